/*
Package location tracks the device position through GeoClue2 on the
system bus.

Overview:
  - Tracker.Start ensures a matching .desktop file exists (GeoClue only
    serves clients whose DesktopId names one with X-Geoclue-2-Client=true)
    and spawns a goroutine that creates a GeoClue client, starts updates
    and listens for Location property changes.
  - If GeoClue is unavailable or permission is denied the loop logs and
    retries with backoff; callers keep using CurrentOr with their default.
  - Fixes can also be pushed with Set (HTTP clients that know where they
    are, tests).
*/
package location

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
)

const (
	geoService    = "org.freedesktop.GeoClue2"
	managerPath   = dbus.ObjectPath("/org/freedesktop/GeoClue2/Manager")
	managerIface  = "org.freedesktop.GeoClue2.Manager"
	clientIface   = "org.freedesktop.GeoClue2.Client"
	locationIface = "org.freedesktop.GeoClue2.Location"
	propsIface    = "org.freedesktop.DBus.Properties"
)

// Fix is one position report.
type Fix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy_m,omitempty"`
	Altitude  float64   `json:"altitude_m,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LatLng returns the fix coordinates.
func (f Fix) LatLng() place.LatLng {
	return place.LatLng{Lat: f.Latitude, Lng: f.Longitude}
}

// Tracker holds the last known fix.
type Tracker struct {
	desktopID string

	mu        sync.RWMutex
	fix       Fix
	valid     bool
	listeners []func(Fix)

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a tracker identifying itself to GeoClue as desktopID.
func New(desktopID string) *Tracker {
	return &Tracker{desktopID: desktopID}
}

// Start ensures the desktop file and begins GeoClue tracking in the
// background. Calling Start twice is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	if err := ensureDesktopFile(t.desktopID); err != nil {
		logger.Warn("location: failed to ensure desktop file: %v", err)
	}
	go func() {
		defer close(t.done)
		t.run(ctx)
	}()
}

// Stop ends tracking and waits for the loop to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Current returns the last fix, if any.
func (t *Tracker) Current() (Fix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fix, t.valid
}

// CurrentOr returns the last fix position, or def when none is known.
func (t *Tracker) CurrentOr(def place.LatLng) place.LatLng {
	if f, ok := t.Current(); ok {
		return f.LatLng()
	}
	return def
}

// OnFix registers fn to run (on the reporting goroutine) for every new fix.
func (t *Tracker) OnFix(fn func(Fix)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Set records f as the current fix. Invalid positions are ignored.
func (t *Tracker) Set(f Fix) bool {
	if !f.LatLng().Valid() {
		return false
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	t.mu.Lock()
	t.fix = f
	t.valid = true
	ls := append([]func(Fix){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range ls {
		fn(f)
	}
	return true
}

const desktopEntry = `[Desktop Entry]
Type=Application
Name=Quiet Space
Comment=Quiet places nearby (GeoClue client)
Exec=quietspace
Icon=quietspace
Terminal=false
Categories=Utility;
X-Geoclue-2-Client=true
X-Geoclue-2-Access-Fine=true
`

// ensureDesktopFile writes the desktop entry GeoClue checks for desktopID.
// An existing file is left alone.
func ensureDesktopFile(desktopID string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dest := filepath.Join(home, ".local", "share", "applications", desktopID)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(desktopEntry), 0o644)
}

// clientProps are written to every new GeoClue client: exact accuracy,
// updates every 25 m or 5 s.
var clientProps = []struct {
	name     string
	value    any
	required bool
}{
	{"RequestedAccuracyLevel", uint32(5), true},
	{"DistanceThreshold", uint32(25), false},
	{"TimeThreshold", uint32(5), false},
}

// retryDelay grows linearly for the first attempts, then settles at 30s.
func retryDelay(attempt int) time.Duration {
	if attempt <= 5 {
		return 2 * time.Second * time.Duration(attempt)
	}
	return 30 * time.Second
}

// run keeps a GeoClue session alive until ctx is cancelled.
func (t *Tracker) run(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		err := t.session(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		delay := retryDelay(attempt)
		logger.Warn("location: geoclue session failed (%v), attempt=%d retry in %s", err, attempt, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// session creates a client, reports its fixes and returns when ctx is
// done or the bus goes away.
func (t *Tracker) session(ctx context.Context) error {
	bus, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	defer bus.Close()

	client, err := createClient(bus, t.desktopID)
	if err != nil {
		return err
	}
	defer client.Call(clientIface+".Stop", 0)
	if call := client.Call(clientIface+".Start", 0); call.Err != nil {
		return fmt.Errorf("start client: %w", call.Err)
	}

	if v, err := client.GetProperty(clientIface + ".Location"); err == nil {
		if lp, ok := v.Value().(dbus.ObjectPath); ok && lp != "/" && lp != "" {
			t.report(bus, lp)
		}
	}

	rule := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchObjectPath(client.Path()),
	}
	if err := bus.AddMatchSignal(rule...); err != nil {
		return err
	}
	signals := make(chan *dbus.Signal, 10)
	bus.Signal(signals)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok || sig == nil {
				return errors.New("dbus signal channel closed")
			}
			if lp, ok := changedLocation(sig, client.Path()); ok {
				t.report(bus, lp)
			}
		}
	}
}

func createClient(bus *dbus.Conn, desktopID string) (dbus.BusObject, error) {
	var path dbus.ObjectPath
	if err := bus.Object(geoService, managerPath).Call(managerIface+".CreateClient", 0).Store(&path); err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	client := bus.Object(geoService, path)
	if err := client.SetProperty(clientIface+".DesktopId", dbus.MakeVariant(desktopID)); err != nil {
		return nil, fmt.Errorf("set DesktopId: %w", err)
	}
	for _, p := range clientProps {
		err := client.SetProperty(clientIface+"."+p.name, dbus.MakeVariant(p.value))
		if err != nil && p.required {
			return nil, fmt.Errorf("set %s: %w", p.name, err)
		}
	}
	return client, nil
}

func (t *Tracker) report(bus *dbus.Conn, lp dbus.ObjectPath) {
	var props map[string]dbus.Variant
	if err := bus.Object(geoService, lp).Call(propsIface+".GetAll", 0, locationIface).Store(&props); err != nil {
		logger.Debug("location: reading %s: %v", lp, err)
		return
	}
	f := fixFromProps(props)
	if t.Set(f) {
		logger.Debug("location: fix %.5f,%.5f ±%.0fm", f.Latitude, f.Longitude, f.Accuracy)
	}
}

// changedLocation extracts the new Location object path from a
// PropertiesChanged signal on the client.
func changedLocation(sig *dbus.Signal, client dbus.ObjectPath) (dbus.ObjectPath, bool) {
	if sig.Name != propsIface+".PropertiesChanged" || sig.Path != client || len(sig.Body) < 2 {
		return "", false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false
	}
	v, ok := changed["Location"]
	if !ok {
		return "", false
	}
	lp, ok := v.Value().(dbus.ObjectPath)
	return lp, ok && lp != "" && lp != "/"
}

// fixFromProps reads a GeoClue Location object. Timestamp is a
// (seconds, microseconds) pair; the receive time is used without it.
func fixFromProps(props map[string]dbus.Variant) Fix {
	num := func(key string) float64 {
		f, _ := props[key].Value().(float64)
		return f
	}
	f := Fix{
		Latitude:  num("Latitude"),
		Longitude: num("Longitude"),
		Accuracy:  num("Accuracy"),
		Altitude:  num("Altitude"),
		Timestamp: time.Now().UTC(),
	}
	if ts, ok := props["Timestamp"].Value().([]any); ok && len(ts) == 2 {
		sec, _ := ts[0].(uint64)
		usec, _ := ts[1].(uint64)
		if sec > 0 {
			f.Timestamp = time.Unix(int64(sec), int64(usec)*1000).UTC()
		}
	}
	return f
}
