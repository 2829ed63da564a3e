// Package settings implements the store adapter for the application's
// non-secret runtime settings. Secret-bearing keys are excluded from
// capture on purpose: secrets are re-provisioned out of band after a
// restore, never moved through archives.
package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/veridoc/veridoc-ops/internal/dao/dbutil"
	"github.com/veridoc/veridoc-ops/internal/store"
	"gopkg.in/yaml.v3"
)

const payloadFile = "settings.yaml"

// secretKeyMarkers flag keys whose values must never enter an archive.
var secretKeyMarkers = []string{
	"password", "secret", "credential", "apikey", "api_key", "token", "dsn",
}

type Adapter struct {
	path string // live runtime settings file; empty disables the adapter
}

func NewAdapter(path string) *Adapter {
	return &Adapter{path: path}
}

func (a *Adapter) Kind() store.Kind { return store.KindSettings }

// Capture reads the live settings document and writes a sanitized copy
// (secret keys removed at any nesting depth) into the stage directory.
func (a *Adapter) Capture(ctx context.Context, stageDir string) (*store.Snapshot, error) {
	snap := &store.Snapshot{Kind: store.KindSettings, Detail: map[string]int64{}}
	if a.path == "" {
		return snap, nil
	}
	doc, err := a.readLive()
	if err != nil {
		return nil, err
	}
	sanitized, kept, dropped := Sanitize(doc)
	out, err := yaml.Marshal(sanitized)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(stageDir, payloadFile), out, 0o644); err != nil {
		return nil, err
	}
	snap.Records = kept
	snap.Groups = 1
	snap.Detail["settings"] = kept
	snap.Detail["secrets_excluded"] = dropped
	return snap, nil
}

func (a *Adapter) readLive() (map[string]any, error) {
	b, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, dbutil.ErrWrap("settings.read", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, dbutil.ErrWrap("settings.parse", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// Apply writes the captured settings over the live file, preserving any
// live secret keys the sanitized payload could not carry. The write goes
// through a temp file and rename.
func (a *Adapter) Apply(ctx context.Context, payloadDir string, snap *store.Snapshot) error {
	if a.path == "" {
		return nil
	}
	b, err := os.ReadFile(filepath.Join(payloadDir, payloadFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return dbutil.ErrWrap("settings.apply.read", err)
	}
	var captured map[string]any
	if err := yaml.Unmarshal(b, &captured); err != nil {
		return dbutil.ErrWrap("settings.apply.parse", err)
	}
	live, err := a.readLive()
	if err != nil {
		return err
	}
	merged := mergeSecrets(captured, live)
	out, err := yaml.Marshal(merged)
	if err != nil {
		return err
	}
	return a.writeAtomic(out)
}

func (a *Adapter) writeAtomic(b []byte) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return dbutil.ErrWrap("settings.write", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		_ = os.Remove(tmp)
		return dbutil.ErrWrap("settings.write.rename", err)
	}
	return nil
}

// Purge is a no-op: resets leave configuration untouched.
func (a *Adapter) Purge(ctx context.Context) error { return nil }

// Plan reports that settings are replaced, never purged.
func (a *Adapter) Plan(ctx context.Context) ([]store.PlannedAction, error) {
	if a.path == "" {
		return nil, nil
	}
	doc, err := a.readLive()
	if err != nil {
		return nil, err
	}
	_, kept, _ := Sanitize(doc)
	return []store.PlannedAction{
		{Kind: store.KindSettings, Container: "settings", Action: "replace", Records: kept},
	}, nil
}

// Verify checks the live settings file parses.
func (a *Adapter) Verify(ctx context.Context) store.Health {
	h := store.Health{Kind: store.KindSettings, Reachable: true}
	if a.path == "" {
		return h
	}
	doc, err := a.readLive()
	if err != nil {
		h.Reachable = false
		h.Err = err.Error()
		return h
	}
	_, kept, _ := Sanitize(doc)
	h.Records = kept
	h.Groups = 1
	return h
}

// Sanitize removes secret-bearing keys at any depth and returns the clean
// document plus counts of kept scalar settings and dropped secrets.
func Sanitize(doc map[string]any) (map[string]any, int64, int64) {
	out := map[string]any{}
	var kept, dropped int64
	for k, v := range doc {
		if IsSecretKey(k) {
			dropped++
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			cleaned, k2, d2 := Sanitize(nested)
			out[k] = cleaned
			kept += k2
			dropped += d2
		default:
			out[k] = v
			kept++
		}
	}
	return out, kept, dropped
}

// IsSecretKey reports whether a settings key looks secret-bearing. Bare
// "key" only matches as a whole word so keys like "keyboard_layout" pass.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	for _, tok := range strings.FieldsFunc(k, func(r rune) bool { return r == '_' || r == '.' || r == '-' }) {
		if tok == "key" {
			return true
		}
	}
	return false
}

// mergeSecrets overlays secret keys still present in the live document on
// top of the captured (sanitized) one, so a restore does not wipe secrets
// that were provisioned out of band.
func mergeSecrets(captured, live map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range captured {
		out[k] = v
	}
	for k, v := range live {
		if IsSecretKey(k) {
			out[k] = v
			continue
		}
		liveNested, liveOK := v.(map[string]any)
		capNested, capOK := out[k].(map[string]any)
		if liveOK && capOK {
			out[k] = mergeSecrets(capNested, liveNested)
		}
	}
	return out
}
