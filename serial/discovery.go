package serial

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.bug.st/serial/enumerator"
)

// DiscoverUSBPorts lists USB-backed serial ports, sorted by name.
func DiscoverUSBPorts() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}

	var names []string
	for _, p := range ports {
		if p.IsUSB {
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// WatchHotplug watches dir (normally /dev) and sends the path of every tty
// node that appears. Sends never block; a pending wake-up already covers a
// burst of creations. The channel is closed when ctx is done.
func WatchHotplug(ctx context.Context, dir string, logger *slog.Logger) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	ch := make(chan string, 1)
	go func() {
		defer close(ch)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isTTYCreate(event) {
					continue
				}
				logger.Debug("Serial device appeared", "device", event.Name)
				select {
				case ch <- event.Name:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Hotplug watcher error", "error", err)
			}
		}
	}()

	return ch, nil
}

func isTTYCreate(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) {
		return false
	}
	return strings.HasPrefix(filepath.Base(event.Name), "tty")
}
