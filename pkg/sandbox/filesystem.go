// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// FilesystemMode orders access levels so that a higher mode strictly
// implies the lower ones.
type FilesystemMode int

const (
	// FilesystemNone records an explicit denial; it survives merging so
	// a layered context can take a grant away.
	FilesystemNone FilesystemMode = iota
	// FilesystemReadOnly exposes the location read-only.
	FilesystemReadOnly
	// FilesystemReadWrite exposes the location writable.
	FilesystemReadWrite
	// FilesystemCreate is ReadWrite plus creating the location when
	// missing.
	FilesystemCreate
)

func (m FilesystemMode) String() string {
	switch m {
	case FilesystemNone:
		return "none"
	case FilesystemReadOnly:
		return "read-only"
	case FilesystemReadWrite:
		return "read-write"
	case FilesystemCreate:
		return "create"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Reserved filesystem tokens.
const (
	FilesystemHome      = "home"
	FilesystemHost      = "host"
	FilesystemHostEtc   = "host-etc"
	FilesystemHostOs    = "host-os"
	FilesystemHostReset = "host-reset"
	FilesystemHostRoot  = "host-root"
)

var reservedFilesystems = map[string]bool{
	FilesystemHome:      true,
	FilesystemHost:      true,
	FilesystemHostEtc:   true,
	FilesystemHostOs:    true,
	FilesystemHostReset: true,
	FilesystemHostRoot:  true,
}

// InvalidFilesystemError records a filesystem token that could not be
// parsed.
type InvalidFilesystemError struct {
	Token string
	Err   error
}

func (e *InvalidFilesystemError) Error() string {
	return fmt.Sprintf("invalid filesystem %q: %v", e.Token, e.Err)
}

func (e *InvalidFilesystemError) Unwrap() error { return e.Err }

// IsInvalidFilesystemError returns a boolean indicating whether the
// error reports a malformed filesystem token.
func IsInvalidFilesystemError(err error) bool {
	var ife *InvalidFilesystemError
	return errors.As(err, &ife)
}

// splitFilesystemSuffix splits token at the last unescaped colon,
// honoring the \: and \\ escapes inside the location part.
func splitFilesystemSuffix(token string) (location, suffix string) {
	escaped := false
	lastColon := -1
	for i, r := range token {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			lastColon = i
		}
	}
	if lastColon < 0 {
		return token, ""
	}
	return token[:lastColon], token[lastColon+1:]
}

func unescapeFilesystem(location string) string {
	var out strings.Builder
	escaped := false
	for _, r := range location {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		out.WriteRune(r)
	}
	return out.String()
}

func escapeFilesystem(location string) string {
	location = strings.ReplaceAll(location, `\`, `\\`)
	return strings.ReplaceAll(location, ":", `\:`)
}

// normalizePath collapses // and /. segments and strips trailing
// slashes; /.. anywhere is rejected outright since it could escape the
// granted subtree.
func normalizePath(path string) (string, error) {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		switch p {
		case "", ".":
			// drop, re-join below restores a single leading slash
		case "..":
			return "", errors.New("path must not contain '..'")
		default:
			out = append(out, p)
		}
	}
	normalized := strings.Join(out, "/")
	if strings.HasPrefix(path, "/") {
		normalized = "/" + normalized
	}
	return normalized, nil
}

// ParseFilesystem parses one token of a filesystems list into its
// location, mode and negation flag. The grammar is a reserved word, an
// xdg-* reference, a ~/ relative path or an absolute path, optionally
// prefixed with ! and suffixed with :ro, :rw, :create or (only on
// !host) :reset.
func ParseFilesystem(token string) (location string, mode FilesystemMode, negated bool, err error) {
	orig := token
	token, negated = strings.CutPrefix(token, "!")
	if token == "" {
		return "", 0, false, &InvalidFilesystemError{Token: orig, Err: errors.New("empty token")}
	}

	location, suffix := splitFilesystemSuffix(token)
	location = unescapeFilesystem(location)

	if negated {
		mode = FilesystemNone
	} else {
		mode = FilesystemReadWrite
	}
	switch suffix {
	case "":
	case "ro":
		mode = FilesystemReadOnly
	case "rw":
		mode = FilesystemReadWrite
	case "create":
		mode = FilesystemCreate
	case "reset":
		if !negated || location != FilesystemHost {
			return "", 0, false, &InvalidFilesystemError{Token: orig, Err: errors.New(":reset is only valid on !host")}
		}
		location = FilesystemHostReset
	default:
		return "", 0, false, &InvalidFilesystemError{Token: orig, Err: fmt.Errorf("unknown mode suffix %q", suffix)}
	}
	if negated {
		mode = FilesystemNone
	}

	switch {
	case reservedFilesystems[location]:
		if location == FilesystemHostReset && !negated {
			return "", 0, false, &InvalidFilesystemError{Token: orig, Err: errors.New("host-reset must be negated")}
		}
		return location, mode, negated, nil
	case strings.HasPrefix(location, "xdg-"):
		name, sub, hasSub := strings.Cut(location, "/")
		if hasSub {
			normalized, err := normalizePath(sub)
			if err != nil {
				return "", 0, false, &InvalidFilesystemError{Token: orig, Err: err}
			}
			location = name
			if normalized != "" {
				location += "/" + normalized
			}
		}
		return location, mode, negated, nil
	case strings.HasPrefix(location, "~"):
		rest := strings.TrimPrefix(location, "~")
		rest = strings.TrimPrefix(rest, "/")
		normalized, err := normalizePath(rest)
		if err != nil {
			return "", 0, false, &InvalidFilesystemError{Token: orig, Err: err}
		}
		if normalized == "" {
			return FilesystemHome, mode, negated, nil
		}
		return "~/" + normalized, mode, negated, nil
	case strings.HasPrefix(location, "/"):
		normalized, err := normalizePath(location)
		if err != nil {
			return "", 0, false, &InvalidFilesystemError{Token: orig, Err: err}
		}
		if normalized == "/" || normalized == "" {
			return "", 0, false, &InvalidFilesystemError{Token: orig, Err: errors.New("use 'host' instead of '/'")}
		}
		return normalized, mode, negated, nil
	}
	return "", 0, false, &InvalidFilesystemError{Token: orig, Err: errors.New("not a reserved word, xdg-* reference, ~/ path or absolute path")}
}

// formatFilesystem renders a map entry back into list-token form.
func formatFilesystem(location string, mode FilesystemMode) string {
	if location == FilesystemHostReset {
		return "!host:reset"
	}
	escaped := escapeFilesystem(location)
	switch mode {
	case FilesystemNone:
		return "!" + escaped
	case FilesystemReadOnly:
		return escaped + ":ro"
	case FilesystemCreate:
		return escaped + ":create"
	}
	return escaped
}
