package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"nightwatch-go/internal/frame"
)

var (
	// ErrSourceUnavailable means no backend could open the source and read
	// a frame from it.
	ErrSourceUnavailable = errors.New("video source unavailable")
	// ErrFileNotFound means the configured path does not exist.
	ErrFileNotFound = errors.New("video file not found")
	// ErrNoCandidateFile means a directory holds no file with a known video
	// extension.
	ErrNoCandidateFile = errors.New("no candidate video file in directory")
	// ErrEmptyProbeRead means at least one backend opened the source but
	// none returned a frame on the probe read. It also matches
	// ErrSourceUnavailable.
	ErrEmptyProbeRead = fmt.Errorf("%w: probe read returned no frame", ErrSourceUnavailable)
	// ErrEndOfStream is returned by Handle.Read once the backend has no
	// more frames.
	ErrEndOfStream = errors.New("end of stream")
)

// CandidateExtensions lists the file extensions considered when a directory
// is given as the source.
var CandidateExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".m4v", ".wmv", ".mpg", ".mpeg"}

// Kind distinguishes capture devices from files.
type Kind int

const (
	KindDevice Kind = iota
	KindFile
)

func (k Kind) String() string {
	if k == KindDevice {
		return "device"
	}
	return "file"
}

// Target is a parsed source specification.
type Target struct {
	Kind   Kind
	Device int
	Path   string
}

func (t Target) String() string {
	if t.Kind == KindDevice {
		return fmt.Sprintf("device %d", t.Device)
	}
	return t.Path
}

// ParseTarget interprets spec as a device index when it is an integer and
// as a file-system path otherwise.
func ParseTarget(spec string) Target {
	spec = strings.TrimSpace(spec)
	if idx, err := strconv.Atoi(spec); err == nil && idx >= 0 {
		return Target{Kind: KindDevice, Device: idx}
	}
	return Target{Kind: KindFile, Path: spec}
}

// Resolve checks that a file target exists and replaces a directory with the
// video file it should play. Device targets are returned unchanged.
func Resolve(t Target) (Target, error) {
	if t.Kind == KindDevice {
		return t, nil
	}
	info, err := os.Stat(t.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, fmt.Errorf("%w: %s", ErrFileNotFound, t.Path)
		}
		return t, fmt.Errorf("failed to stat %s: %w", t.Path, err)
	}
	if !info.IsDir() {
		return t, nil
	}
	file, err := ResolveDirectory(t.Path)
	if err != nil {
		return t, err
	}
	return Target{Kind: KindFile, Path: file}, nil
}

// ResolveDirectory returns the lexicographically first regular file in dir
// whose extension is one of CandidateExtensions.
func ResolveDirectory(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isCandidate(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: %s (looked for %s)", ErrNoCandidateFile, dir, strings.Join(CandidateExtensions, ", "))
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

func isCandidate(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, c := range CandidateExtensions {
		if ext == c {
			return true
		}
	}
	return false
}

// Capture is an open session with one capture backend.
type Capture interface {
	// IsOpened reports whether the backend considers the session usable.
	IsOpened() bool
	// Read returns the next frame. ok is false when the backend has no more
	// data or the read failed. A zero-area frame with ok true is passed on
	// unchanged.
	Read() (f frame.Frame, ok bool)
	Close() error
}

// Backend is one strategy for opening a capture session.
type Backend interface {
	Name() string
	Open(t Target) (Capture, error)
}

// Backends holds the ordered strategies per target kind.
type Backends struct {
	Device []Backend
	File   []Backend
}

func (b Backends) forKind(k Kind) []Backend {
	if k == KindDevice {
		return b.Device
	}
	return b.File
}
