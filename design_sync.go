package couchdb

import (
	"context"

	"github.com/golang/glog"
	"golang.org/x/xerrors"
)

// SyncAction tells what Synchronize did with a design document.
type SyncAction int

const (
	// SyncUnchanged means the stored document already matched.
	SyncUnchanged SyncAction = iota
	// SyncCreated means no stored document existed.
	SyncCreated
	// SyncUpdated means the stored document was replaced.
	SyncUpdated
)

func (a SyncAction) String() string {
	switch a {
	case SyncUnchanged:
		return "unchanged"
	case SyncCreated:
		return "created"
	case SyncUpdated:
		return "updated"
	}
	return "unknown"
}

// SyncResult is the outcome of synchronizing one design document.
type SyncResult struct {
	ID     string
	Rev    string
	Action SyncAction
}

// DesignManager reconciles locally authored design documents with
// the ones stored in a database.
//
// Synchronize calls for the same id are not serialized; concurrent
// writers are told apart by the revision check of the store and the
// loser gets a Conflict error.
type DesignManager struct {
	db  *DB
	src DesignSource
}

// Design returns a DesignManager for db reading local definitions
// from src. src may be nil when only remote operations are used.
func (db *DB) Design(src DesignSource) *DesignManager {
	return &DesignManager{db: db, src: src}
}

func (m *DesignManager) source() (DesignSource, error) {
	if m.src == nil {
		return nil, invalid("design source", "no local design source configured")
	}
	return m.src, nil
}

// GetFromDesk returns the local definition of the design called name.
func (m *DesignManager) GetFromDesk(name string) (*Design, error) {
	src, err := m.source()
	if err != nil {
		return nil, err
	}
	return src.Get(name)
}

// GetAllFromDesk returns every local design definition.
func (m *DesignManager) GetAllFromDesk() ([]*Design, error) {
	src, err := m.source()
	if err != nil {
		return nil, err
	}
	return src.All()
}

// GetFromDB fetches a stored design document. The _design/ prefix is
// added to id when missing.
func (m *DesignManager) GetFromDB(ctx context.Context, id string) (*Design, error) {
	d := new(Design)
	if err := m.db.Get(ctx, DesignID(id), d, nil); err != nil {
		return nil, err
	}
	return d, nil
}

// Synchronize makes the stored copy of d match d.
//
// Nothing is written when the stored copy is already Equal to d, so
// repeated calls do not create new revisions. Otherwise d is stored
// with the revision just read as precondition; if another writer got
// there first the store answers with a Conflict error, which is
// returned as is. On success d.Rev holds the current revision.
func (m *DesignManager) Synchronize(ctx context.Context, d *Design) (*SyncResult, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	prev, err := m.GetFromDB(ctx, d.ID)
	if err != nil && !NotFound(err) {
		return nil, err
	}

	if prev == nil {
		rev, err := m.write(ctx, d, "")
		if err != nil {
			return nil, err
		}
		glog.V(1).Infof("couchdb: created %s in %s at %s", d.ID, m.db.name, rev)
		return &SyncResult{ID: d.ID, Rev: rev, Action: SyncCreated}, nil
	}

	if d.Equal(prev) {
		d.Rev = prev.Rev
		glog.V(2).Infof("couchdb: %s in %s unchanged at %s", d.ID, m.db.name, prev.Rev)
		return &SyncResult{ID: d.ID, Rev: prev.Rev, Action: SyncUnchanged}, nil
	}

	rev, err := m.Update(ctx, d, prev.Rev)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("couchdb: updated %s in %s from %s to %s", d.ID, m.db.name, prev.Rev, rev)
	return &SyncResult{ID: d.ID, Rev: rev, Action: SyncUpdated}, nil
}

// Update stores d if the stored revision still is precondition and
// returns the new revision. A stale precondition fails with a
// Conflict error; Update never retries.
func (m *DesignManager) Update(ctx context.Context, d *Design, precondition string) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	if precondition == "" {
		return "", invalid("revision", "update of %s needs a revision precondition", d.ID)
	}
	return m.write(ctx, d, precondition)
}

func (m *DesignManager) write(ctx context.Context, d *Design, rev string) (string, error) {
	// the precondition travels in the query string only, so a stale
	// revision left on d cannot conflict with it
	body := d.Clone()
	body.Rev = ""
	newrev, err := m.db.Put(ctx, d.ID, body, rev)
	if err != nil {
		if Conflict(err) {
			glog.V(1).Infof("couchdb: conflict writing %s in %s at %q", d.ID, m.db.name, rev)
		}
		return "", err
	}
	d.Rev = newrev
	return newrev, nil
}

// SynchronizeAll synchronizes every local design definition. It stops
// at the first failure and returns the results gathered so far.
func (m *DesignManager) SynchronizeAll(ctx context.Context) ([]*SyncResult, error) {
	designs, err := m.GetAllFromDesk()
	if err != nil {
		return nil, err
	}
	results := make([]*SyncResult, 0, len(designs))
	for _, d := range designs {
		res, err := m.Synchronize(ctx, d)
		if err != nil {
			return results, xerrors.Errorf("synchronize %s: %w", d.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Diff reports, without writing, what Synchronize would do with d.
func (m *DesignManager) Diff(ctx context.Context, d *Design) (SyncAction, error) {
	if err := d.Validate(); err != nil {
		return SyncUnchanged, err
	}
	prev, err := m.GetFromDB(ctx, d.ID)
	switch {
	case NotFound(err):
		return SyncCreated, nil
	case err != nil:
		return SyncUnchanged, err
	case d.Equal(prev):
		return SyncUnchanged, nil
	}
	return SyncUpdated, nil
}

// Remove deletes the stored design document id at its current revision.
func (m *DesignManager) Remove(ctx context.Context, id string) (string, error) {
	id = DesignID(id)
	rev, err := m.db.Rev(ctx, id)
	if err != nil {
		return "", err
	}
	return m.db.Delete(ctx, id, rev)
}

// SyncDesign will attempt to create or update a design document on the provided
// database. This can be called multiple times for different databases,
// the latest Rev will always be fetched before storing the design.
func (db *DB) SyncDesign(ctx context.Context, d *Design) error {
	_, err := db.Design(nil).Synchronize(ctx, d)
	return err
}
