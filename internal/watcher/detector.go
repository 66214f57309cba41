// Package watcher monitors the ESO SavedVariables directory for addon data
// changes and emits structured events for new combat runs and build changes.
//
// The game rewrites the whole SavedVariables file on save, so the watcher
// gates on a content hash before parsing and deduplicates combat runs by
// their run ID across rewrites.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/esobuild/companion/internal/luatable"
)

// maxRecentRuns bounds the run ID dedup set. When full, the oldest known ID
// is evicted first.
const maxRecentRuns = 10000

// EventKind identifies what a watcher event carries.
type EventKind int

const (
	// EventNewRun reports a combat run not seen before.
	EventNewRun EventKind = iota
	// EventBuildChanged reports that the character's current build differs
	// from the last observed one.
	EventBuildChanged
)

func (k EventKind) String() string {
	switch k {
	case EventNewRun:
		return "new_run"
	case EventBuildChanged:
		return "build_changed"
	default:
		return "unknown"
	}
}

// Event is a detected change in the addon's saved data. Run is set for
// EventNewRun, Build for EventBuildChanged.
type Event struct {
	Kind  EventKind
	Run   *CombatRun
	Build *BuildSnapshot
}

// CombatRun is a single combat encounter recorded by the addon.
type CombatRun struct {
	RunID         string
	CharacterName string
	Timestamp     time.Time
	ContentType   string
	ContentName   string
	Difficulty    string
	DurationSec   float64
	Success       bool
	GroupSize     int
	Raw           map[string]any
}

// BuildSnapshot is a character's build state at a point in time.
type BuildSnapshot struct {
	CharacterName string
	Timestamp     time.Time
	ClassName     string
	Race          string
	CPLevel       int
	Raw           map[string]any
}

// Detector turns raw SavedVariables file content into events. It keeps the
// last file hash, the last build hash, and a bounded set of known run IDs,
// so feeding it the same content twice yields no events.
//
// Safe for concurrent use.
type Detector struct {
	addonName string
	parser    *luatable.Parser
	logger    *log.Logger

	mu        sync.Mutex
	fileHash  string
	buildSum  string
	runIDs    map[string]struct{}
	runOrder  []string
	recentCap int
}

// NewDetector creates a detector for the given addon. A nil logger logs to
// stderr.
func NewDetector(addonName string, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}
	return &Detector{
		addonName: addonName,
		parser:    luatable.New(logger),
		logger:    logger,
		runIDs:    make(map[string]struct{}),
		recentCap: maxRecentRuns,
	}
}

// SetRecentRunCap overrides the run ID dedup capacity. Values below one are
// ignored.
func (d *Detector) SetRecentRunCap(n int) {
	if n < 1 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recentCap = n
	for len(d.runOrder) > d.recentCap {
		oldest := d.runOrder[0]
		d.runOrder = d.runOrder[1:]
		delete(d.runIDs, oldest)
	}
}

// Check parses content and returns events for everything new since the last
// call. Unchanged content short-circuits before parsing.
func (d *Detector) Check(content []byte) ([]Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	if hash == d.fileHash {
		return nil, nil
	}
	d.fileHash = hash

	doc := d.parser.Parse(string(content))
	data, ok := d.savedVariables(doc)
	if !ok {
		d.logger.Printf("no saved variables found for addon %s", d.addonName)
		return nil, nil
	}

	var events []Event
	events = append(events, d.checkRuns(data)...)

	buildEvent, err := d.checkBuild(data)
	if err != nil {
		return events, err
	}
	if buildEvent != nil {
		events = append(events, *buildEvent)
	}

	return events, nil
}

// KnownRunIDs returns a copy of the run IDs seen so far.
func (d *Detector) KnownRunIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, len(d.runOrder))
	copy(ids, d.runOrder)
	return ids
}

// ClearRunCache forgets all known run IDs. The next Check reports every run
// in the file as new.
func (d *Detector) ClearRunCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runIDs = make(map[string]struct{})
	d.runOrder = nil
	d.fileHash = ""
}

// savedVariables finds the addon's saved variables table in the parsed
// document. The addon writes <AddonName>_SavedVariables; fall back to any
// variable whose name contains the addon name.
func (d *Detector) savedVariables(doc *luatable.Document) (luatable.Value, bool) {
	if v, ok := doc.Var(d.addonName + "_SavedVariables"); ok {
		return v, true
	}
	for _, name := range doc.Names() {
		if strings.Contains(name, d.addonName) {
			v, _ := doc.Var(name)
			return v, true
		}
	}
	return luatable.Value{}, false
}

// checkRuns walks combatRuns and emits an event per run ID not seen before.
// Caller holds d.mu.
func (d *Detector) checkRuns(data luatable.Value) []Event {
	runs, ok := fieldAny(data, "combatRuns", "combat_runs")
	if !ok {
		return nil
	}

	var entries []luatable.Value
	switch runs.Kind {
	case luatable.Seq:
		entries = runs.Seq
	case luatable.Map:
		for _, e := range runs.Map.Entries() {
			entries = append(entries, e.Val)
		}
	default:
		return nil
	}

	var events []Event
	for _, entry := range entries {
		if entry.Kind != luatable.Map {
			continue
		}
		runID := fieldString(entry, "", "run_id", "runId")
		if runID == "" {
			continue
		}
		if _, known := d.runIDs[runID]; known {
			continue
		}
		d.rememberRun(runID)

		run := newCombatRun(runID, entry)
		events = append(events, Event{Kind: EventNewRun, Run: run})
		d.logger.Printf("new combat run: %s (%s)", runID, run.ContentName)
	}
	return events
}

// rememberRun records a run ID, evicting the oldest when the set is full.
// Caller holds d.mu.
func (d *Detector) rememberRun(runID string) {
	if len(d.runOrder) >= d.recentCap {
		oldest := d.runOrder[0]
		d.runOrder = d.runOrder[1:]
		delete(d.runIDs, oldest)
	}
	d.runIDs[runID] = struct{}{}
	d.runOrder = append(d.runOrder, runID)
}

// checkBuild compares the current build against the last observed one by
// canonical JSON hash. Caller holds d.mu.
func (d *Detector) checkBuild(data luatable.Value) (*Event, error) {
	build, ok := fieldAny(data, "currentBuild", "activeBuild")
	if !ok || build.Kind != luatable.Map {
		builds, found := fieldAny(data, "builds", "buildSnapshots")
		if !found || builds.Kind != luatable.Map || builds.Map.Len() == 0 {
			return nil, nil
		}
		build = builds.Map.Entries()[0].Val
		if build.Kind != luatable.Map {
			return nil, nil
		}
	}

	raw := build.Interface()
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to hash build snapshot: %w", err)
	}
	sum := sha256.Sum256(encoded)
	hash := hex.EncodeToString(sum[:])
	if hash == d.buildSum {
		return nil, nil
	}
	d.buildSum = hash

	snapshot := newBuildSnapshot(build)
	d.logger.Printf("build change: %s (%s)", snapshot.CharacterName, snapshot.ClassName)
	return &Event{Kind: EventBuildChanged, Build: snapshot}, nil
}

func newCombatRun(runID string, entry luatable.Value) *CombatRun {
	run := &CombatRun{
		RunID:         runID,
		CharacterName: fieldString(entry, "Unknown", "character_name", "characterName"),
		Timestamp:     fieldTime(entry, "timestamp", "time"),
		ContentType:   "unknown",
		ContentName:   "Unknown",
		Difficulty:    "normal",
		DurationSec:   fieldFloat(entry, 0, "duration_sec", "duration"),
		Success:       fieldBool(entry, true, "success"),
		GroupSize:     int(fieldFloat(entry, 1, "group_size", "groupSize")),
	}

	if content, ok := entry.Field("content"); ok {
		switch content.Kind {
		case luatable.String:
			run.ContentName = content.Str
		case luatable.Map:
			run.ContentType = fieldString(content, run.ContentType, "type")
			run.ContentName = fieldString(content, run.ContentName, "name")
			run.Difficulty = fieldString(content, run.Difficulty, "difficulty")
		}
	}

	if raw, ok := entry.Interface().(map[string]any); ok {
		run.Raw = raw
	}
	return run
}

func newBuildSnapshot(build luatable.Value) *BuildSnapshot {
	snapshot := &BuildSnapshot{
		CharacterName: fieldString(build, "Unknown", "character_name", "characterName"),
		Timestamp:     fieldTime(build, "timestamp"),
		ClassName:     fieldString(build, "Unknown", "class", "className"),
		Race:          fieldString(build, "Unknown", "race"),
		CPLevel:       int(fieldFloat(build, 0, "cp_level", "cpLevel")),
	}
	if raw, ok := build.Interface().(map[string]any); ok {
		snapshot.Raw = raw
	}
	return snapshot
}

// Field lookup helpers tolerant of the addon's mixed snake/camel naming.

func fieldAny(v luatable.Value, names ...string) (luatable.Value, bool) {
	for _, name := range names {
		if f, ok := v.Field(name); ok {
			return f, true
		}
	}
	return luatable.Value{}, false
}

func fieldString(v luatable.Value, fallback string, names ...string) string {
	if f, ok := fieldAny(v, names...); ok {
		if s, ok := f.AsString(); ok && s != "" {
			return s
		}
	}
	return fallback
}

func fieldFloat(v luatable.Value, fallback float64, names ...string) float64 {
	if f, ok := fieldAny(v, names...); ok {
		if n, ok := f.AsFloat(); ok {
			return n
		}
	}
	return fallback
}

func fieldBool(v luatable.Value, fallback bool, names ...string) bool {
	if f, ok := fieldAny(v, names...); ok && f.Kind == luatable.Bool {
		return f.Bool
	}
	return fallback
}

func fieldTime(v luatable.Value, names ...string) time.Time {
	f, ok := fieldAny(v, names...)
	if !ok {
		return time.Now().UTC()
	}
	switch f.Kind {
	case luatable.Int:
		return time.Unix(f.Int, 0).UTC()
	case luatable.Float:
		return time.Unix(int64(f.Float), 0).UTC()
	case luatable.String:
		if t, err := time.Parse(time.RFC3339, f.Str); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
