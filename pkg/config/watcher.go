package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Gui774ume/onaccess/pkg/model"
	"github.com/Gui774ume/onaccess/pkg/utils"
)

// defaultSettleDelay groups the burst of events an editor or a package
// manager produces when it replaces a file
const defaultSettleDelay = 200 * time.Millisecond

// PolicyWatcher reloads the policy document when it changes. The parent
// directory is watched so that atomic replacements (rename over the file)
// are seen.
type PolicyWatcher struct {
	path     string
	onChange func(model.OnAccessConfiguration)
	settle   time.Duration
	logger   *logrus.Entry

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewPolicyWatcher starts watching path, onChange is called with every valid
// new version of the policy. Invalid versions are logged and ignored.
func NewPolicyWatcher(path string, onChange func(model.OnAccessConfiguration)) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create policy watcher")
	}
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "couldn't watch %s", filepath.Dir(path))
	}
	w := &PolicyWatcher{
		path:     path,
		onChange: onChange,
		settle:   defaultSettleDelay,
		logger:   utils.ComponentLogger("policy"),
		watcher:  watcher,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *PolicyWatcher) run() {
	defer close(w.done)
	var reload <-chan time.Time
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				reload = time.After(w.settle)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Policy watcher error.")
		case <-reload:
			reload = nil
			w.reload()
		}
	}
}

func (w *PolicyWatcher) reload() {
	cfg, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload the on-access policy, keeping the current one.")
		return
	}
	w.logger.WithField("path", w.path).Info("On-access policy reloaded.")
	w.onChange(cfg)
}

// Close stops watching
func (w *PolicyWatcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		err = w.watcher.Close()
	})
	return err
}
