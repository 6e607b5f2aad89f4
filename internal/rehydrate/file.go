package rehydrate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/raaihank/moltshield/internal/document"
)

// Format is the artifact syntax used for a file.
type Format string

const (
	FormatXML  Format = "xml"
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// DetectFormat picks a format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".xml":
		return FormatXML
	default:
		return FormatText
	}
}

// BackupSuffix is appended to a file rehydrated in place.
const BackupSuffix = ".bak"

// Bytes restores data in the given format. XML is restored in place and must
// still be well-formed afterwards; JSON is decoded and re-encoded.
func (r *Rehydrator) Bytes(data []byte, format Format) ([]byte, Report, error) {
	var buf bytes.Buffer
	switch format {
	case FormatJSON:
		v, err := document.ParseJSON(bytes.NewReader(data))
		if err != nil {
			return nil, Report{}, err
		}
		out, rep := r.JSON(v)
		if err := document.WriteJSON(&buf, out); err != nil {
			return nil, Report{}, err
		}
		return buf.Bytes(), rep, nil

	case FormatXML:
		out, rep := r.XMLText(string(data))
		if err := document.CheckXML(strings.NewReader(out)); err != nil {
			return nil, Report{}, err
		}
		return []byte(out), rep, nil

	default:
		out, rep := r.Text(string(data))
		return []byte(out), rep, nil
	}
}

// DefaultOutputPath returns <stem>_rehydrated<ext> next to in.
func DefaultOutputPath(in string) string {
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + "_rehydrated" + ext
}

// File restores the artifact at in. With inPlace the source is first copied
// to in+".bak"; if that copy fails the source is not touched. Otherwise the
// result goes to out, or DefaultOutputPath(in) when out is empty. The
// returned path is where the result was written.
func (r *Rehydrator) File(ctx context.Context, in, out string, inPlace bool) (string, Report, error) {
	if err := ctx.Err(); err != nil {
		return "", Report{}, err
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return "", Report{}, fmt.Errorf("failed to read artifact: %w", err)
	}
	fi, err := os.Stat(in)
	if err != nil {
		return "", Report{}, fmt.Errorf("failed to stat artifact: %w", err)
	}

	restored, rep, err := r.Bytes(data, DetectFormat(in))
	if err != nil {
		return "", Report{}, err
	}

	switch {
	case inPlace:
		if err := writeFileAtomic(in+BackupSuffix, data, fi.Mode().Perm()); err != nil {
			return "", Report{}, fmt.Errorf("failed to write backup, source left unchanged: %w", err)
		}
		out = in
	case out == "":
		out = DefaultOutputPath(in)
	}

	if err := ctx.Err(); err != nil {
		return "", Report{}, err
	}
	if err := writeFileAtomic(out, restored, fi.Mode().Perm()); err != nil {
		return "", Report{}, err
	}
	return out, rep, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
