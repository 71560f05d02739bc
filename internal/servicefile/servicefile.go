// Package servicefile loads gateway service definitions from a JSON file and
// watches it for changes.
package servicefile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ggoodman/gatewaycore/resource"
	"github.com/ggoodman/gatewaycore/service"
)

var ErrDuplicateService = errors.New("duplicate service name")

// Realm is the JSON form of service.Realm.
type Realm struct {
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	ChallengeScheme   string   `json:"challengeScheme,omitempty"`
	AuthorizationMode string   `json:"authorizationMode,omitempty"`
	HeaderNames       []string `json:"headerNames,omitempty"`
	ParameterNames    []string `json:"parameterNames,omitempty"`
	CookieNames       []string `json:"cookieNames,omitempty"`
}

// Definition is one service in the file.
type Definition struct {
	Type              string                          `json:"type"`
	Name              string                          `json:"name"`
	Accepts           []string                        `json:"accepts"`
	Balances          []string                        `json:"balances,omitempty"`
	Connects          []string                        `json:"connects,omitempty"`
	AcceptConstraints map[string]resource.Constraints `json:"acceptConstraints,omitempty"`
	Realm             *Realm                          `json:"realm,omitempty"`
	RequiredRoles     []string                        `json:"requiredRoles,omitempty"`
	Properties        map[string]string               `json:"properties,omitempty"`
	TempDir           string                          `json:"tempDir,omitempty"`
	AcceptOptions     map[string]string               `json:"acceptOptions,omitempty"`
	ConnectOptions    map[string]string               `json:"connectOptions,omitempty"`
	ConnectInit       bool                            `json:"connectInit,omitempty"`
}

// File is the top-level document.
type File struct {
	GatewayOriginSecurity []map[string]resource.Constraints `json:"gatewayOriginSecurity,omitempty"`
	Services              []Definition                      `json:"services"`
}

// Parse decodes and validates a service file.
func Parse(r io.Reader) (*File, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode service file: %w", err)
	}
	seen := make(map[string]bool, len(f.Services))
	for i, d := range f.Services {
		if d.Name == "" {
			return nil, fmt.Errorf("service %d: missing name", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateService, d.Name)
		}
		seen[d.Name] = true
		for _, uri := range d.Accepts {
			if _, err := resource.Scheme(uri); err != nil {
				return nil, fmt.Errorf("service %q: %w", d.Name, err)
			}
		}
	}
	return &f, nil
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(bytes.NewReader(b))
}

// Lookup returns the definition called name.
func (f *File) Lookup(name string) (Definition, bool) {
	for _, d := range f.Services {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Config converts d into a service configuration. The file-wide gateway
// origin security list is shared by every service.
func (f *File) Config(d Definition) service.Config {
	cfg := service.Config{
		Type:                  d.Type,
		Name:                  d.Name,
		Accepts:               d.Accepts,
		Balances:              d.Balances,
		Connects:              d.Connects,
		AcceptConstraints:     d.AcceptConstraints,
		GatewayOriginSecurity: f.GatewayOriginSecurity,
		RequiredRoles:         d.RequiredRoles,
		Properties:            d.Properties,
		TempDir:               d.TempDir,
		AcceptOptions:         resource.Options{Values: d.AcceptOptions},
		ConnectOptions:        resource.Options{Values: d.ConnectOptions, ConnectRequiresInit: d.ConnectInit},
	}
	if d.Realm != nil {
		cfg.Realm = &service.Realm{
			Name:              d.Realm.Name,
			Description:       d.Realm.Description,
			ChallengeScheme:   d.Realm.ChallengeScheme,
			AuthorizationMode: d.Realm.AuthorizationMode,
			HeaderNames:       d.Realm.HeaderNames,
			ParameterNames:    d.Realm.ParameterNames,
			CookieNames:       d.Realm.CookieNames,
		}
	}
	return cfg
}

// Changes lists service names by how they differ between two files.
type Changes struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff compares two files. A nil old file means every service was added.
// A change to the gateway origin security list changes every service.
func Diff(old, next *File) Changes {
	var c Changes
	if old == nil {
		old = &File{}
	}
	global := !reflect.DeepEqual(old.GatewayOriginSecurity, next.GatewayOriginSecurity)
	for _, d := range next.Services {
		prev, ok := old.Lookup(d.Name)
		switch {
		case !ok:
			c.Added = append(c.Added, d.Name)
		case global || !reflect.DeepEqual(prev, d):
			c.Changed = append(c.Changed, d.Name)
		}
	}
	for _, d := range old.Services {
		if _, ok := next.Lookup(d.Name); !ok {
			c.Removed = append(c.Removed, d.Name)
		}
	}
	sort.Strings(c.Added)
	sort.Strings(c.Removed)
	sort.Strings(c.Changed)
	return c
}

// Watcher reloads a service file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *slog.Logger
}

type WatchOption func(*Watcher)

func WithLogger(l *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithDebounce sets how long to wait for writes to settle before reloading.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) { w.debounce = d }
}

func NewWatcher(path string, opts ...WatchOption) *Watcher {
	w := &Watcher{
		path:     path,
		debounce: 100 * time.Millisecond,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run calls fn with each successfully reloaded file until ctx is done. The
// parent directory is watched so editors that replace the file by rename are
// followed. Files that fail to parse are logged and skipped.
func (w *Watcher) Run(ctx context.Context, fn func(*File)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "servicefile.watch.fail", slog.String("err", err.Error()))
		case <-timer.C:
			f, err := Load(abs)
			if err != nil {
				w.log.ErrorContext(ctx, "servicefile.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
				continue
			}
			w.log.InfoContext(ctx, "servicefile.reload", slog.String("path", abs), slog.Int("services", len(f.Services)))
			fn(f)
		}
	}
}
