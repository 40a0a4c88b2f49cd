// morpheus.conf key=value parsing
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// applyFile overrides b's fields and appends to b.Entries from a
// /morpheus/morpheus.conf key=value stream. Blank lines and lines
// starting with '#' are ignored. Recognized top-level keys are "retries"
// and "dns_server"; a line of the form "entry.<name>.<field>=<value>"
// populates or extends the named Entry in order of first appearance.
func applyFile(b *Boot, r io.Reader) error {
	entries := map[string]*Entry{}
	order := []string{}

	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("config: malformed line %q", line)
		}

		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		if rest, ok := strings.CutPrefix(key, "entry."); ok {
			name, field, ok := strings.Cut(rest, ".")
			if !ok {
				return fmt.Errorf("config: malformed entry key %q", key)
			}

			e, seen := entries[name]
			if !seen {
				e = &Entry{Name: name}
				entries[name] = e
				order = append(order, name)
			}

			if err := setEntryField(e, field, value); err != nil {
				return fmt.Errorf("config: entry %q: %w", name, err)
			}

			continue
		}

		if err := setTopLevelField(b, key, value); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	for _, name := range order {
		b.Entries = append(b.Entries, *entries[name])
	}

	return nil
}

func setTopLevelField(b *Boot, key, value string) error {
	switch key {
	case "retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config: retries: %w", err)
		}

		b.Retries = n

	case "dns_server":
		b.DNSServer = value

	default:
		return fmt.Errorf("config: unknown key %q", key)
	}

	return nil
}

func setEntryField(e *Entry, field, value string) error {
	switch field {
	case "host":
		e.Host = value
	case "port":
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}

		e.Port = uint16(n)
	case "path":
		e.Path = value
	case "iso_path":
		e.ISOPath = value
	case "kernel_path":
		e.KernelPath = value
	case "initrd_path":
		e.InitrdPath = value
	case "cmdline":
		e.Cmdline = value
	default:
		return fmt.Errorf("unknown field %q", field)
	}

	return nil
}
