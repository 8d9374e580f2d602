package registry

import (
	"github.com/flowmesh/enginerpc/internal/ferr"
	"github.com/fsnotify/fsnotify"
)

// ArtifactEvent reports a plugin artifact file appearing or changing on
// disk, the signal an Upgrade workflow uses to notice a new build has
// been dropped into the watched directory without the operator having
// to issue Upgrade manually for every release.
type ArtifactEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher observes a plugin artifact directory and reports create/write
// events for files, leaving interpretation (which plugin name/version a
// path corresponds to) to the caller.
type Watcher struct {
	w      *fsnotify.Watcher
	Events chan ArtifactEvent
}

// WatchDir starts watching dir for artifact changes. Call Close when done.
func WatchDir(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ferr.Wrap(ferr.KindResource, err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, ferr.Wrap(ferr.KindResource, err)
	}

	w := &Watcher{w: fw, Events: make(chan ArtifactEvent, 16)}
	go w.pump()
	return w, nil
}

func (w *Watcher) pump() {
	defer close(w.Events)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.Events <- ArtifactEvent{Path: ev.Name, Op: ev.Op}
		case _, ok := <-w.w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher and closes its Events channel.
func (w *Watcher) Close() error {
	return w.w.Close()
}
