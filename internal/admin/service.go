// Package admin implements local diagnostic operations on the device cache.
// None of it is exposed over the network.
package admin

import (
	"context"
	"sort"

	"github.com/angelmondragon/fieldsync/internal/cache"
	"github.com/angelmondragon/fieldsync/internal/media"
	"github.com/angelmondragon/fieldsync/internal/queue"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	"github.com/angelmondragon/fieldsync/pkg/types"
	"golang.org/x/sync/errgroup"
)

const fetchConcurrency = 3

// Service defines the cache administration surface.
type Service interface {
	GetTableStats(ctx context.Context) (*Stats, error)
	ClearAllCachedTables(ctx context.Context, force bool) (*ClearResult, error)
	ForceReloadFromAPI(ctx context.Context, tables []string, discardLocalChanges bool) (*ReloadResult, error)
}

type localCache interface {
	Stats(ctx context.Context) ([]cache.TableStats, error)
	Wipe(ctx context.Context, tables []string) (int64, error)
	ReplaceTable(ctx context.Context, table string, snapshot []types.CanonicalRecord, discardLocal bool) (int64, error)
	PendingCount(ctx context.Context, tables []string) (int, error)
	StoredTables(ctx context.Context) ([]string, error)
}

type queueCounter interface {
	CountByTable(ctx context.Context) ([]queue.StatusCount, error)
	Count(ctx context.Context) (int64, error)
}

type deadLetterCounter interface {
	CountByTable(ctx context.Context) ([]queue.TableCount, error)
	Count(ctx context.Context) (int64, error)
}

type mediaStats interface {
	Stats(ctx context.Context) ([]media.StateCount, error)
}

type tableFetcher interface {
	FetchTable(ctx context.Context, table string) ([]types.CanonicalRecord, error)
}

type ServiceParams struct {
	Cache       localCache
	Queue       queueCounter
	DeadLetters deadLetterCounter
	// Media is optional; stats then omit attachment totals.
	Media mediaStats
	// Remote is required only by ForceReloadFromAPI.
	Remote tableFetcher
	Logger *logger.Logger
}

type service struct {
	cache  localCache
	queue  queueCounter
	dlq    deadLetterCounter
	media  mediaStats
	remote tableFetcher
	logg   *logger.Logger
}

// TableStats combines record and queue counts of one table.
type TableStats struct {
	Table       string `json:"table"`
	Records     int64  `json:"records"`
	Clean       int64  `json:"clean"`
	Pending     int64  `json:"pending"`
	Conflicts   int64  `json:"conflicts"`
	Queued      int64  `json:"queued"`
	InFlight    int64  `json:"inFlight"`
	Failed      int64  `json:"failed"`
	DeadLetters int64  `json:"deadLetters"`
}

type Stats struct {
	Tables []TableStats       `json:"tables"`
	Media  []media.StateCount `json:"media,omitempty"`
}

// ClearResult reports the unsynced work a forced clear discarded.
type ClearResult struct {
	DroppedOperations  int64 `json:"droppedOperations"`
	DroppedDeadLetters int64 `json:"droppedDeadLetters"`
	UnsyncedRecords    int64 `json:"unsyncedRecords"`
}

func (r ClearResult) lost() bool {
	return r.DroppedOperations > 0 || r.DroppedDeadLetters > 0 || r.UnsyncedRecords > 0
}

type TableReload struct {
	Table             string `json:"table"`
	Records           int    `json:"records"`
	DroppedOperations int64  `json:"droppedOperations"`
}

type ReloadResult struct {
	Tables []TableReload `json:"tables"`
}

// NewService wires the administration dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Cache == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cache required")
	}
	if params.Queue == nil || params.DeadLetters == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "queue repositories required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	return &service{
		cache:  params.Cache,
		queue:  params.Queue,
		dlq:    params.DeadLetters,
		media:  params.Media,
		remote: params.Remote,
		logg:   params.Logger,
	}, nil
}

func (s *service) GetTableStats(ctx context.Context) (*Stats, error) {
	records, err := s.cache.Stats(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := s.queue.CountByTable(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "count queue entries")
	}
	letters, err := s.dlq.CountByTable(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "count dead letters")
	}

	byTable := map[string]*TableStats{}
	get := func(table string) *TableStats {
		if st, ok := byTable[table]; ok {
			return st
		}
		st := &TableStats{Table: table}
		byTable[table] = st
		return st
	}
	for _, r := range records {
		st := get(r.Table)
		st.Records, st.Clean, st.Pending, st.Conflicts = r.Records, r.Clean, r.Pending, r.Conflicts
	}
	for _, q := range queued {
		st := get(q.Table)
		switch q.Status {
		case enums.QueueStatusPending:
			st.Queued += q.Count
		case enums.QueueStatusInFlight:
			st.InFlight += q.Count
		case enums.QueueStatusFailed:
			st.Failed += q.Count
		}
	}
	for _, l := range letters {
		get(l.Table).DeadLetters += l.Count
	}

	out := &Stats{Tables: make([]TableStats, 0, len(byTable))}
	for _, st := range byTable {
		out.Tables = append(out.Tables, *st)
	}
	sort.Slice(out.Tables, func(i, j int) bool { return out.Tables[i].Table < out.Tables[j].Table })

	if s.media != nil {
		counts, err := s.media.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out.Media = counts
	}
	return out, nil
}

func (s *service) ClearAllCachedTables(ctx context.Context, force bool) (*ClearResult, error) {
	pending, err := s.unsynced(ctx)
	if err != nil {
		return nil, err
	}
	if pending.lost() && !force {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "unsynced changes would be lost").
			WithDetails(map[string]any{
				"pending":          pending.DroppedOperations,
				"dead_letters":     pending.DroppedDeadLetters,
				"unsynced_records": pending.UnsyncedRecords,
			})
	}

	dropped, err := s.cache.Wipe(ctx, nil)
	if err != nil {
		return nil, err
	}
	res := &ClearResult{
		DroppedOperations:  dropped,
		DroppedDeadLetters: pending.DroppedDeadLetters,
		UnsyncedRecords:    pending.UnsyncedRecords,
	}
	if res.lost() {
		fields := map[string]any{
			"dropped_operations":   res.DroppedOperations,
			"dropped_dead_letters": res.DroppedDeadLetters,
			"unsynced_records":     res.UnsyncedRecords,
		}
		s.logg.Warn(s.logg.WithFields(ctx, fields), "local cache cleared with unsynced changes")
	} else {
		s.logg.Info(ctx, "local cache cleared")
	}
	return res, nil
}

// unsynced counts queued operations, dead letters and records that are not
// Clean. A dead-lettered change leaves its record in Conflict with no queue
// entry, so the queue alone undercounts.
func (s *service) unsynced(ctx context.Context) (ClearResult, error) {
	var out ClearResult
	var err error
	if out.DroppedOperations, err = s.queue.Count(ctx); err != nil {
		return out, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "count queue entries")
	}
	if out.DroppedDeadLetters, err = s.dlq.Count(ctx); err != nil {
		return out, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "count dead letters")
	}
	records, err := s.cache.PendingCount(ctx, nil)
	if err != nil {
		return out, err
	}
	out.UnsyncedRecords = int64(records)
	return out, nil
}

func (s *service) ForceReloadFromAPI(ctx context.Context, tables []string, discardLocalChanges bool) (*ReloadResult, error) {
	if s.remote == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "remote client required for reload")
	}
	if len(tables) == 0 {
		known, err := s.cache.StoredTables(ctx)
		if err != nil {
			return nil, err
		}
		tables = known
	}
	if len(tables) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "no tables to reload")
	}

	if !discardLocalChanges {
		pending, err := s.cache.PendingCount(ctx, tables)
		if err != nil {
			return nil, err
		}
		if pending > 0 {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "records with local changes would be overwritten").
				WithDetails(map[string]any{"pending": pending, "tables": tables})
		}
	}

	snapshots := make([][]types.CanonicalRecord, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, table := range tables {
		g.Go(func() error {
			records, err := s.remote.FetchTable(gctx, table)
			if err != nil {
				return err
			}
			snapshots[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &ReloadResult{Tables: make([]TableReload, 0, len(tables))}
	for i, table := range tables {
		dropped, err := s.cache.ReplaceTable(ctx, table, snapshots[i], discardLocalChanges)
		if err != nil {
			return out, err
		}
		out.Tables = append(out.Tables, TableReload{Table: table, Records: len(snapshots[i]), DroppedOperations: dropped})
		fields := map[string]any{"table": table, "records": len(snapshots[i]), "dropped_operations": dropped}
		if dropped > 0 {
			s.logg.Warn(s.logg.WithFields(ctx, fields), "table reloaded, local changes discarded")
		} else {
			s.logg.Info(s.logg.WithFields(ctx, fields), "table reloaded")
		}
	}
	return out, nil
}
