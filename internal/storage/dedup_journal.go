package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	logx "pewsched/pkg/logx"
)

const (
	dedupSnapshotName = "dedup.snapshot.json"
	dedupJournalName  = "dedup.journal.jsonl"

	// Journal appends between compactions into the snapshot.
	dedupCompactEvery = 1000
)

type dedupEntry struct {
	Key   string `json:"key"`
	Until int64  `json:"until"` // unix milli
}

// dedupJournal is an in-memory key->expiry map backed by a JSON snapshot
// plus an append-only journal of later writes. Not safe for concurrent use.
type dedupJournal struct {
	log          logx.Logger
	snapshotPath string
	journal      *os.File
	entries      map[string]int64
	sinceCompact int
}

func openDedupJournal(dir string, log logx.Logger) (*dedupJournal, error) {
	d := &dedupJournal{
		log:          log,
		snapshotPath: filepath.Join(dir, dedupSnapshotName),
		entries:      map[string]int64{},
	}
	journalPath := filepath.Join(dir, dedupJournalName)

	if err := d.loadSnapshot(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("dedup snapshot unreadable; starting empty", logx.Err(err))
	}
	if err := d.replay(journalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("dedup journal replay stopped early", logx.Err(err))
	}
	d.prune(time.Now())

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	d.journal = f
	return d, nil
}

func (d *dedupJournal) len() int { return len(d.entries) }

func (d *dedupJournal) get(key string) (time.Time, bool) {
	ms, ok := d.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (d *dedupJournal) put(key string, until time.Time) error {
	e := dedupEntry{Key: key, Until: until.UnixMilli()}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := d.journal.Write(append(line, '\n')); err != nil {
		return err
	}
	d.entries[key] = e.Until

	if d.sinceCompact++; d.sinceCompact >= dedupCompactEvery {
		if err := d.compact(); err != nil {
			d.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

// compact writes the live entries to the snapshot and empties the journal.
func (d *dedupJournal) compact() error {
	d.prune(time.Now())
	b, err := json.Marshal(d.entries)
	if err != nil {
		return err
	}
	tmp := d.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, d.snapshotPath); err != nil {
		return err
	}
	if err := d.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := d.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	d.sinceCompact = 0
	return nil
}

func (d *dedupJournal) close() error {
	if d.journal == nil {
		return nil
	}
	err := d.journal.Close()
	d.journal = nil
	return err
}

func (d *dedupJournal) loadSnapshot() error {
	b, err := os.ReadFile(d.snapshotPath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, &d.entries); err != nil {
		return err
	}
	if d.entries == nil {
		d.entries = map[string]int64{}
	}
	return nil
}

// replay applies journal lines over the snapshot. Torn or malformed lines
// are skipped.
func (d *dedupJournal) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e dedupEntry
		if json.Unmarshal(sc.Bytes(), &e) == nil && e.Key != "" {
			d.entries[e.Key] = e.Until
		}
	}
	return sc.Err()
}

func (d *dedupJournal) prune(now time.Time) {
	cutoff := now.UnixMilli()
	for k, until := range d.entries {
		if until < cutoff {
			delete(d.entries, k)
		}
	}
}
