// Package appstate implements the app state (§4.12): the active-task set
// and periodic AppStatusReport emission, with an optional bbolt snapshot
// for operator inspection after a crash.
package appstate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/legion/internal/arbiter"
	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/metrics"
	"github.com/cuemby/legion/internal/task"
	"github.com/cuemby/legion/internal/tree"
)

// Status is the app's recomputed running status.
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusIdle
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusIdle:
		return "idle"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Report is one snapshot of the app's reportable attributes.
type Report struct {
	AppID           string
	Name            string
	URL             string
	Status          Status
	StartedAt       time.Time
	ActiveTaskUUIDs []string
}

// Equivalent compares only Name and URL, per the preserved
// compare_attributes behavior (Open Question, resolved as "keep as-is"):
// it does not compare Status or the active task set, so a status change
// alone never reopens a suppressed report.
func (r Report) Equivalent(other Report) bool {
	return r.Name == other.Name && r.URL == other.URL
}

var snapshotBucket = []byte("appstate")

// CenterSender publishes a center-bus payload.
type CenterSender interface {
	Send(payload message.CenterPayload)
}

// AppState is the process-wide app status tracker.
type AppState struct {
	appID string
	name  string
	url   string

	startedAt   time.Time
	activeTasks map[string]struct{}
	lastReport  *Report

	center CenterSender
	db     *bolt.DB
	timer  *arbiter.Timer

	log zerolog.Logger
}

var _ task.Sendable = (*AppState)(nil)

// New builds an app state tracker and starts its periodic report timer.
// db may be nil to disable the snapshot.
func New(appID, name, url string, interval time.Duration, center CenterSender, db *bolt.DB) *AppState {
	a := &AppState{
		appID:       appID,
		name:        name,
		url:         url,
		startedAt:   time.Now().UTC(),
		activeTasks: make(map[string]struct{}),
		center:      center,
		db:          db,
		log:         logx.WithComponent("appstate").Logger(),
	}
	a.timer = arbiter.NewTimer(interval, 0, a.emitReport, nil)
	a.timer.Start()
	return a
}

// Send implements task.Sendable.
func (a *AppState) Send(msg any) {
	switch m := msg.(type) {
	case task.Update:
		if m.Tag == task.TagStarted {
			a.addTask(m.TaskUUID)
		}
	case tree.CloseTask:
		a.removeTask(m.TaskUUID)
	default:
		a.log.Warn().Msg("appstate: ignoring message of unexpected type")
	}
}

func (a *AppState) addTask(taskUUID string) {
	a.activeTasks[taskUUID] = struct{}{}
	a.timer.Reset()
	a.snapshot()
}

func (a *AppState) removeTask(taskUUID string) {
	delete(a.activeTasks, taskUUID)
	a.timer.Reset()
	a.snapshot()
}

func (a *AppState) status() Status {
	if len(a.activeTasks) > 0 {
		return StatusRunning
	}
	return StatusIdle
}

func (a *AppState) report() Report {
	active := make([]string, 0, len(a.activeTasks))
	for uuid := range a.activeTasks {
		active = append(active, uuid)
	}
	return Report{
		AppID:           a.appID,
		Name:            a.name,
		URL:             a.url,
		Status:          a.status(),
		StartedAt:       a.startedAt,
		ActiveTaskUUIDs: active,
	}
}

// emitReport runs on the timer's own goroutine; it only touches fields set
// at construction and the activeTasks map, which the timer serializes
// against addTask/removeTask by virtue of both only running from arbiter-
// posted handlers upstream — callers are expected to route Send through an
// arbiter the same way every other actor does.
func (a *AppState) emitReport() {
	r := a.report()
	if a.lastReport != nil && a.lastReport.Equivalent(r) {
		return
	}
	a.lastReport = &r

	metrics.AppStatusReportsTotal.Inc()
	if a.center != nil {
		a.center.Send(message.NewCenterPayload(message.DestApp, message.SubjectAppStatusReport,
			a.appID, "", r))
	}
}

// ReadSnapshot reads the last persisted report for appID without booting an
// AppState — used by the status CLI command to inspect a running or
// crashed process's database directly.
func ReadSnapshot(db *bolt.DB, appID string) (Report, error) {
	var r Report
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		if b == nil {
			return fmt.Errorf("appstate: no snapshot recorded")
		}
		data := b.Get([]byte(appID))
		if data == nil {
			return fmt.Errorf("appstate: no snapshot for app %q", appID)
		}
		return json.Unmarshal(data, &r)
	})
	return r, err
}

func (a *AppState) snapshot() {
	if a.db == nil {
		return
	}
	r := a.report()
	data, err := json.Marshal(r)
	if err != nil {
		a.log.Warn().Err(err).Msg("appstate: snapshot marshal failed")
		return
	}
	err = a.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(snapshotBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.appID), data)
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("appstate: snapshot write failed")
	}
}
