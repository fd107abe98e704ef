package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// propertySetters maps legacy rfidReader.properties keys onto Config fields.
var propertySetters = map[string]func(c *Config, v string) error{
	"maxTagsPerFile": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Rotation.MaxTagsPerFile = n
		return nil
	},
	"maxTimePerFile": func(c *Config, v string) error {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Rotation.MaxTimePerFile = time.Duration(ms) * time.Millisecond
		return nil
	},
	"readerSession": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Reader.Session = n
		return nil
	},
	"dataDir": func(c *Config, v string) error {
		c.DataDir = v
		return nil
	},
	"host": func(c *Config, v string) error {
		c.Reader.Host = v
		return nil
	},
	"antennas": func(c *Config, v string) error {
		ants, err := parseIntList(v)
		if err != nil {
			return err
		}
		c.Reader.Antennas = ants
		return nil
	},
	// duration is in milliseconds; -1 runs until signalled.
	"duration": func(c *Config, v string) error {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		if ms < 0 {
			ms = 0
		}
		c.Reader.Duration = time.Duration(ms) * time.Millisecond
		return nil
	},
	"timeZone": func(c *Config, v string) error {
		c.TimeZone = v
		return nil
	},
}

// applyProperties parses key=value (or key: value) lines and applies the
// known keys to c. Blank lines and lines starting with # or ! are skipped.
// Unknown keys are logged and ignored.
func applyProperties(c *Config, data string) error {
	sc := bufio.NewScanner(strings.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		idx := strings.IndexAny(line, "=:")
		if idx <= 0 {
			return fmt.Errorf("line %d: expected key=value, got %q", lineNo, line)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])

		set, ok := propertySetters[key]
		if !ok {
			slog.Debug("ignoring unknown configuration property", "key", key, "line", lineNo)
			continue
		}
		if err := set(c, val); err != nil {
			return fmt.Errorf("line %d: %s: %w", lineNo, key, err)
		}
	}
	return sc.Err()
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
