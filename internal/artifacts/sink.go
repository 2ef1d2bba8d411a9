package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// latestName is the pointer entry at the artifact root.
const latestName = "latest"

// Sink writes run artifacts under one backtest artifact root:
//
//	<root>/run_state.json
//	<root>/<session>/<run_id>/...
//	<root>/latest -> <session>/<run_id>
type Sink struct {
	Root string
}

// NewSink builds a sink rooted at dir.
func NewSink(dir string) *Sink {
	return &Sink{Root: dir}
}

// StatePath is the location of run_state.json.
func (s *Sink) StatePath() string {
	return filepath.Join(s.Root, "run_state.json")
}

// RunDir is the artifact directory of one run.
func (s *Sink) RunDir(session, runID string) string {
	return filepath.Join(s.Root, session, runID)
}

// WriteFile writes one artifact file, creating the run directory as needed.
func (s *Sink) WriteFile(runDir, name string, data []byte) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	path := filepath.Join(runDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	return nil
}

// WriteJSON writes one artifact as indented JSON.
func (s *Sink) WriteJSON(runDir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact %s: %w", name, err)
	}
	return s.WriteFile(runDir, name, append(data, '\n'))
}

// UpdateLatest points the latest entry at the completed run directory. A
// symlink is preferred; filesystems without symlink support get a recursive
// copy instead.
func (s *Sink) UpdateLatest(runDir string) error {
	rel, err := filepath.Rel(s.Root, runDir)
	if err != nil {
		return fmt.Errorf("run dir outside artifact root: %w", err)
	}
	link := filepath.Join(s.Root, latestName)

	if err := os.RemoveAll(link); err != nil {
		return fmt.Errorf("failed to remove old latest pointer: %w", err)
	}
	if err := os.Symlink(rel, link); err != nil {
		log.Warn().Err(err).Msg("Symlink unavailable, copying run directory for latest")
		if err := copyDir(runDir, link); err != nil {
			return fmt.Errorf("failed to copy latest run: %w", err)
		}
	}
	return nil
}

// LatestTarget resolves where latest currently points, empty if absent.
func (s *Sink) LatestTarget() string {
	link := filepath.Join(s.Root, latestName)
	target, err := os.Readlink(link)
	if err != nil {
		return ""
	}
	return filepath.Join(s.Root, target)
}

// ApplyRetention deletes all but the newest keep run directories across
// sessions. Runs order lexicographically by id with mtime as tiebreak; the
// run latest points to is never removed.
func (s *Sink) ApplyRetention(keep int) error {
	if keep <= 0 {
		return nil
	}

	type runEntry struct {
		path  string
		id    string
		mtime int64
	}

	var runs []runEntry
	sessions, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list artifact root: %w", err)
	}
	for _, sess := range sessions {
		if !sess.IsDir() || sess.Name() == latestName {
			continue
		}
		sessDir := filepath.Join(s.Root, sess.Name())
		entries, err := os.ReadDir(sessDir)
		if err != nil {
			return fmt.Errorf("failed to list session %s: %w", sess.Name(), err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			runs = append(runs, runEntry{
				path:  filepath.Join(sessDir, e.Name()),
				id:    e.Name(),
				mtime: info.ModTime().UnixNano(),
			})
		}
	}

	if len(runs) <= keep {
		return nil
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].id != runs[j].id {
			return runs[i].id > runs[j].id
		}
		return runs[i].mtime > runs[j].mtime
	})

	latest := s.LatestTarget()
	var removed int
	for _, r := range runs[keep:] {
		if latest != "" && filepath.Clean(r.path) == filepath.Clean(latest) {
			continue
		}
		if err := os.RemoveAll(r.path); err != nil {
			return fmt.Errorf("failed to remove expired run %s: %w", r.id, err)
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Int("kept", keep).Msg("Retention pass removed expired runs")
	}
	return nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
