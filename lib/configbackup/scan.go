/*
 * Conduit
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package configbackup

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml"
	"gopkg.in/ini.v1"

	"github.com/gravitational/conduit/lib/utils"
)

// FileType classifies a monitored file by content format.
type FileType string

const (
	TypeJSON    FileType = "json"
	TypeYAML    FileType = "yaml"
	TypeTOML    FileType = "toml"
	TypeINI     FileType = "ini"
	TypeText    FileType = "text"
	TypeBinary  FileType = "binary"
	TypeUnknown FileType = "unknown"
)

// FileRecord is one scanned configuration file.
type FileRecord struct {
	// Path is the absolute file path.
	Path string `json:"path"`
	// Size and ModTime come from the file's metadata.
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	// Mode is the file's permission bits.
	Mode fs.FileMode `json:"mode"`
	// Type is the detected content format.
	Type FileType `json:"type"`
	// Hash is the hex SHA-256 of the content.
	Hash string `json:"hash"`
	// Valid reports whether the content parsed in its format. Text and
	// binary files are vacuously valid.
	Valid bool `json:"valid"`
	// ValidationError holds the parse error for invalid files.
	ValidationError string `json:"validation_error,omitempty"`
	// Content is the file body. Present in the encrypted payload, dropped
	// from the plaintext sidecar.
	Content []byte `json:"content,omitempty"`
}

// classify maps a file name to its content format by extension.
func classify(path string) FileType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return TypeJSON
	case ".yaml", ".yml":
		return TypeYAML
	case ".toml":
		return TypeTOML
	case ".ini", ".cfg", ".conf":
		return TypeINI
	case ".txt", ".env", ".properties":
		return TypeText
	default:
		return TypeUnknown
	}
}

// validate parses content in its declared format. Unknown formats are
// classified as text or binary and pass.
func validate(fileType FileType, content []byte) (FileType, error) {
	switch fileType {
	case TypeJSON:
		var v any
		return fileType, trace.Wrap(json.Unmarshal(content, &v))
	case TypeYAML:
		var v any
		return fileType, trace.Wrap(yaml.Unmarshal(content, &v))
	case TypeTOML:
		var v map[string]any
		return fileType, trace.Wrap(toml.Unmarshal(content, &v))
	case TypeINI:
		_, err := ini.Load(content)
		return fileType, trace.Wrap(err)
	case TypeUnknown:
		if utf8.Valid(content) {
			return TypeText, nil
		}
		return TypeBinary, nil
	default:
		return fileType, nil
	}
}

// excluded reports whether the path matches any exclude pattern. Patterns
// match against the base name and, when they contain a separator, the
// full path.
func excluded(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if strings.ContainsRune(pattern, filepath.Separator) {
			if ok, _ := filepath.Match(pattern, path); ok {
				return true
			}
		}
		// bare substring patterns exclude whole subtrees
		if !strings.ContainsAny(pattern, "*?[") && strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

// scan walks the configured paths and returns a record per included
// file, with content loaded and validated.
func scan(paths, excludes []string) ([]FileRecord, error) {
	var records []FileRecord
	seen := make(map[string]bool)

	appendFile := func(path string, info fs.FileInfo) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return trace.Wrap(err)
		}
		if seen[abs] || excluded(abs, excludes) {
			return nil
		}
		seen[abs] = true

		content, err := os.ReadFile(abs)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		record := FileRecord{
			Path:    abs,
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
			Mode:    info.Mode().Perm(),
			Hash:    utils.SHA256Bytes(content),
			Content: content,
		}
		record.Type, err = validate(classify(abs), content)
		record.Valid = err == nil
		if err != nil {
			record.ValidationError = err.Error()
		}
		records = append(records, record)
		return nil
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue // monitored paths may not exist yet
			}
			return nil, trace.ConvertSystemError(err)
		}
		if !info.IsDir() {
			if err := appendFile(root, info); err != nil {
				return nil, trace.Wrap(err)
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return trace.Wrap(err)
			}
			if d.IsDir() {
				if excluded(path, excludes) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return trace.Wrap(err)
			}
			return trace.Wrap(appendFile(path, info))
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return records, nil
}
