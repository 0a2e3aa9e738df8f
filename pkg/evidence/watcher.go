package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/go-pkgz/lgr"

	"github.com/umputun/betagate/pkg/phase"
)

// Watcher observes the evidence root for externally dropped evidence files
// and reports refreshed summaries. operators sometimes deliver evidence by
// copying JSON files straight into the phase directory instead of going
// through the HTTP surface; the watcher makes those submissions visible
// without a restart.
type Watcher struct {
	collector *Collector
	onChange  func(p phase.Phase, sum Summary)
}

// NewWatcher creates a watcher over the collector's root directory.
// onChange fires with the refreshed summary whenever a phase directory gains
// an evidence file.
func NewWatcher(c *Collector, onChange func(p phase.Phase, sum Summary)) *Watcher {
	return &Watcher{collector: c, onChange: onChange}
}

// Run watches until the context is canceled. phase directories are created
// up front so new files in any of them are observed from the start.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	for _, p := range phase.All() {
		dir := filepath.Join(w.collector.Root(), string(p))
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create phase dir %s: %w", dir, err)
		}
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			w.handle(ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[WARN] evidence watcher: %v", err)
		}
	}
}

// handle refreshes the summary for the phase owning the changed file.
func (w *Watcher) handle(path string) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "evidence_") || !strings.HasSuffix(base, ".json") {
		return
	}
	if w.collector.WroteFile(base) {
		return // submitted through the collector, already reported there
	}

	p, err := phase.Parse(filepath.Base(filepath.Dir(path)))
	if err != nil {
		return // file outside a phase directory
	}

	sum, err := w.collector.Summary(p)
	if err != nil {
		log.Printf("[WARN] refresh evidence summary for %s: %v", p, err)
		return
	}

	log.Printf("[DEBUG] evidence change detected for %s: %d records, %.0f%% complete", p, sum.Records, sum.CompletionPct)
	if w.onChange != nil {
		w.onChange(p, sum)
	}
}
