package load

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/syssam/guardrail/schema"
)

// Watcher re-parses a schema file whenever it changes on disk. It is meant
// for development setups that recompile policies on edit; production
// deployments load the schema once at start.
type Watcher struct {
	fw   *fsnotify.Watcher
	path string
	done chan struct{}
}

// Watch watches path and calls onLoad with each successfully parsed schema,
// or onError when a change produces an unparsable document. The previous
// schema stays in effect until a parse succeeds; onError may be nil.
// Callbacks run on the watcher's goroutine.
func Watch(path string, onLoad func(*schema.Schema), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch registered on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{fw: fw, path: path, done: make(chan struct{})}
	go w.run(onLoad, onError)
	return w, nil
}

func (w *Watcher) run(onLoad func(*schema.Schema), onError func(error)) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			sch, err := ParseFile(w.path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			onLoad(sch)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
