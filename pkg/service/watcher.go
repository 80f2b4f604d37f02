package service

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentfabric/aof/pkg/types"
)

// watcher triggers polls when task files land in the queues that matter:
// a new file in ready/ means dispatchable work, a removal from in-progress/
// means a slot opened. Events are debounced so a burst of renames schedules
// one poll, not dozens.
type watcher struct {
	service *Service
	fw      *fsnotify.Watcher
	stopCh  chan struct{}
}

const watchDebounce = 500 * time.Millisecond

func newWatcher(s *Service) *watcher {
	return &watcher{service: s, stopCh: make(chan struct{})}
}

func (w *watcher) start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fw = fw

	for _, rt := range w.service.sortedRuntimes() {
		for _, status := range []types.Status{types.StatusReady, types.StatusInProgress} {
			dir := filepath.Join(rt.store.Root(), "tasks", string(status))
			if err := fw.Add(dir); err != nil {
				w.service.logger.Warn().Err(err).Str("dir", dir).Msg("watch failed")
			}
		}
	}

	go w.run()
	return nil
}

func (w *watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				w.service.TriggerPoll("fs_change")
			})
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.service.logger.Warn().Err(err).Msg("fs watcher error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *watcher) stop() {
	close(w.stopCh)
	if w.fw != nil {
		w.fw.Close()
	}
}
