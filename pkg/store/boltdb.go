package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/drillmaster/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDrones        = []byte("drones")
	bucketQueue         = []byte("queue")
	bucketSessions      = []byte("sessions")
	bucketBuildHistory  = []byte("build_history")
	bucketHealth        = []byte("health")
	bucketEvents        = []byte("events")
	bucketProtocol      = []byte("protocol")
	bucketPayloadVers   = []byte("payload_versions")
	bucketDronePayloads = []byte("drone_payloads")
	bucketDeployLog     = []byte("deploy_log")
	bucketReleases      = []byte("releases")
	bucketDroneConfig   = []byte("drone_config")

	allBuckets = [][]byte{
		bucketDrones, bucketQueue, bucketSessions, bucketBuildHistory,
		bucketHealth, bucketEvents, bucketProtocol, bucketPayloadVers,
		bucketDronePayloads, bucketDeployLog, bucketReleases, bucketDroneConfig,
	}
)

// BoltStore implements Store using a single BoltDB file. bbolt commits
// copy-on-write pages in place; it has no write-ahead log (WAL) mode.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the control-plane database under
// dataDir, idempotently creating any bucket that is missing.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "drillmaster.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Update(fn func(*Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error { return fn(&Tx{tx: btx}) })
}

func (s *BoltStore) View(fn func(*Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error { return fn(&Tx{tx: btx}) })
}

// --- Drones ---

func (s *BoltStore) CreateOrUpdateDrone(d *types.Drone) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDrones, d.ID, d)
	})
}

func (s *BoltStore) GetDrone(id string) (*types.Drone, error) {
	var d *types.Drone
	err := s.db.View(func(tx *bolt.Tx) error {
		var e error
		d, e = getJSON[types.Drone](tx, bucketDrones, id)
		return e
	})
	return d, err
}

func (s *BoltStore) GetDroneByName(name string) (*types.Drone, error) {
	drones, err := s.ListDrones()
	if err != nil {
		return nil, err
	}
	for _, d := range drones {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("drone not found: %s", name)
}

func (s *BoltStore) ListDrones() ([]*types.Drone, error) {
	return listAll[types.Drone](s.db, bucketDrones)
}

func (s *BoltStore) DeleteDrone(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDrones).Delete([]byte(id))
	})
}

// --- Queue items ---

func (s *BoltStore) CreateQueueItem(item *types.QueueItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketQueue, item.ID, item)
	})
}

func (s *BoltStore) GetQueueItem(id string) (*types.QueueItem, error) {
	var item *types.QueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		var e error
		item, e = getJSON[types.QueueItem](tx, bucketQueue, id)
		return e
	})
	return item, err
}

func (s *BoltStore) GetQueueItemByPackage(pkg string) (*types.QueueItem, error) {
	items, err := s.ListQueueItems()
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Package == pkg && it.Status != types.QueueFailed {
			return it, nil
		}
	}
	return nil, fmt.Errorf("queue item not found for package: %s", pkg)
}

func (s *BoltStore) ListQueueItems() ([]*types.QueueItem, error) {
	return listAll[types.QueueItem](s.db, bucketQueue)
}

func (s *BoltStore) ListQueueItemsByStatus(status types.QueueStatus) ([]*types.QueueItem, error) {
	items, err := s.ListQueueItems()
	if err != nil {
		return nil, err
	}
	var out []*types.QueueItem
	for _, it := range items {
		if it.Status == status {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *BoltStore) ListQueueItemsBySession(sessionID string) ([]*types.QueueItem, error) {
	items, err := s.ListQueueItems()
	if err != nil {
		return nil, err
	}
	var out []*types.QueueItem
	for _, it := range items {
		if it.SessionID == sessionID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateQueueItem(item *types.QueueItem) error {
	return s.CreateQueueItem(item)
}

// --- Sessions ---

func (s *BoltStore) CreateSession(sess *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketSessions, sess.ID, sess)
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var sess *types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		var e error
		sess, e = getJSON[types.Session](tx, bucketSessions, id)
		return e
	})
	return sess, err
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	return listAll[types.Session](s.db, bucketSessions)
}

func (s *BoltStore) UpdateSession(sess *types.Session) error {
	return s.CreateSession(sess)
}

// --- Build history ---

func (s *BoltStore) AppendBuildHistory(e *types.BuildHistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendJSON(tx, bucketBuildHistory, e)
	})
}

func (s *BoltStore) ListBuildHistory(limit int) ([]*types.BuildHistoryEntry, error) {
	all, err := listRecent[types.BuildHistoryEntry](s.db, bucketBuildHistory, limit)
	return all, err
}

func (s *BoltStore) ListBuildHistoryByDrone(droneID string, limit int) ([]*types.BuildHistoryEntry, error) {
	all, err := listAll[types.BuildHistoryEntry](s.db, bucketBuildHistory)
	if err != nil {
		return nil, err
	}
	var out []*types.BuildHistoryEntry
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if all[i].DroneID == droneID {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *BoltStore) HasDroneFailedPackage(droneID, pkg string) (bool, error) {
	all, err := listAll[types.BuildHistoryEntry](s.db, bucketBuildHistory)
	if err != nil {
		return false, err
	}
	for _, e := range all {
		if e.DroneID == droneID && e.Package == pkg && e.Status == "failed" {
			return true, nil
		}
	}
	return false, nil
}

func (s *BoltStore) CountDistinctFailedDrones(pkg string, since time.Time) (int, error) {
	all, err := listAll[types.BuildHistoryEntry](s.db, bucketBuildHistory)
	if err != nil {
		return 0, err
	}
	seen := map[string]bool{}
	for _, e := range all {
		if e.Package == pkg && e.Status == "failed" && e.Timestamp.After(since) {
			seen[e.DroneID] = true
		}
	}
	return len(seen), nil
}

// --- Health records ---

func (s *BoltStore) GetHealthRecord(droneID string) (*types.HealthRecord, error) {
	var rec *types.HealthRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		r, e := getJSON[types.HealthRecord](tx, bucketHealth, droneID)
		if e != nil {
			rec = &types.HealthRecord{DroneID: droneID}
			return nil
		}
		rec = r
		return nil
	})
	return rec, err
}

func (s *BoltStore) UpdateHealthRecord(h *types.HealthRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketHealth, h.DroneID, h)
	})
}

func (s *BoltStore) ListHealthRecords() ([]*types.HealthRecord, error) {
	return listAll[types.HealthRecord](s.db, bucketHealth)
}

// --- Events ---

func (s *BoltStore) AppendEvent(e *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendJSON(tx, bucketEvents, e)
	})
}

func (s *BoltStore) ListEvents(limit int, since time.Time, kind types.EventKind) ([]*types.Event, error) {
	all, err := listAll[types.Event](s.db, bucketEvents)
	if err != nil {
		return nil, err
	}
	var out []*types.Event
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Protocol log ---

func (s *BoltStore) AppendProtocolEntry(e *types.ProtocolEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendJSON(tx, bucketProtocol, e)
	})
}

func (s *BoltStore) ListProtocolEntries(limit int) ([]*types.ProtocolEntry, error) {
	return listRecent[types.ProtocolEntry](s.db, bucketProtocol, limit)
}

// --- Payload registry ---

func payloadKey(kind, version string) string { return kind + "/" + version }

func (s *BoltStore) CreatePayloadVersion(p *types.PayloadVersion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPayloadVers)
		key := []byte(payloadKey(p.Kind, p.Version))
		if b.Get(key) != nil {
			return fmt.Errorf("payload version already exists: %s/%s", p.Kind, p.Version)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetPayloadVersion(kind, version string) (*types.PayloadVersion, error) {
	var p *types.PayloadVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		var e error
		p, e = getJSON[types.PayloadVersion](tx, bucketPayloadVers, payloadKey(kind, version))
		return e
	})
	return p, err
}

func (s *BoltStore) ListPayloadVersions(kind string) ([]*types.PayloadVersion, error) {
	all, err := listAll[types.PayloadVersion](s.db, bucketPayloadVers)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		return all, nil
	}
	var out []*types.PayloadVersion
	for _, p := range all {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out, nil
}

func dronePayloadKey(droneID, kind string) string { return droneID + "/" + kind }

func (s *BoltStore) UpsertDronePayload(dp *types.DronePayload) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDronePayloads, dronePayloadKey(dp.DroneID, dp.Kind), dp)
	})
}

func (s *BoltStore) GetDronePayload(droneID, kind string) (*types.DronePayload, error) {
	var dp *types.DronePayload
	err := s.db.View(func(tx *bolt.Tx) error {
		var e error
		dp, e = getJSON[types.DronePayload](tx, bucketDronePayloads, dronePayloadKey(droneID, kind))
		return e
	})
	return dp, err
}

func (s *BoltStore) ListDronePayloads(kind string) ([]*types.DronePayload, error) {
	all, err := listAll[types.DronePayload](s.db, bucketDronePayloads)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		return all, nil
	}
	var out []*types.DronePayload
	for _, dp := range all {
		if dp.Kind == kind {
			out = append(out, dp)
		}
	}
	return out, nil
}

func (s *BoltStore) AppendDeployLog(d *types.DeployLog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendJSON(tx, bucketDeployLog, d)
	})
}

func (s *BoltStore) ListDeployLog(limit int) ([]*types.DeployLog, error) {
	return listRecent[types.DeployLog](s.db, bucketDeployLog, limit)
}

// --- Releases ---

func (s *BoltStore) CreateRelease(r *types.Release) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketReleases, r.Version, r)
	})
}

func (s *BoltStore) GetRelease(version string) (*types.Release, error) {
	var r *types.Release
	err := s.db.View(func(tx *bolt.Tx) error {
		var e error
		r, e = getJSON[types.Release](tx, bucketReleases, version)
		return e
	})
	return r, err
}

func (s *BoltStore) ListReleases() ([]*types.Release, error) {
	return listAll[types.Release](s.db, bucketReleases)
}

func (s *BoltStore) UpdateRelease(r *types.Release) error {
	return s.CreateRelease(r)
}

func (s *BoltStore) DeleteRelease(version string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReleases).Delete([]byte(version))
	})
}

func (s *BoltStore) GetActiveRelease() (*types.Release, error) {
	releases, err := s.ListReleases()
	if err != nil {
		return nil, err
	}
	for _, r := range releases {
		if r.Status == types.ReleaseActive {
			return r, nil
		}
	}
	return nil, nil
}

// --- Drone config ---

func (s *BoltStore) GetDroneConfig(droneID string) (*types.DroneConfig, error) {
	var c *types.DroneConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		v, e := getJSON[types.DroneConfig](tx, bucketDroneConfig, droneID)
		if e != nil {
			c = &types.DroneConfig{DroneID: droneID}
			return nil
		}
		c = v
		return nil
	})
	return c, err
}

func (s *BoltStore) UpsertDroneConfig(c *types.DroneConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDroneConfig, c.DroneID, c)
	})
}

func (s *BoltStore) ListDroneConfigs() ([]*types.DroneConfig, error) {
	return listAll[types.DroneConfig](s.db, bucketDroneConfig)
}

// --- generic helpers ---

func listAll[T any](db *bolt.DB, bucket []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		return b.ForEach(func(_, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			out = append(out, &item)
			return nil
		})
	})
	return out, err
}

// listRecent returns up to limit most-recently-appended rows (append-only
// buckets keyed by sequence) in reverse order, newest first.
func listRecent[T any](db *bolt.DB, bucket []byte, limit int) ([]*T, error) {
	all, err := listAll[T](db, bucket)
	if err != nil {
		return nil, err
	}
	var out []*T
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Query runs a whitelisted single-statement read-only query of the shape
// "SELECT <cols> FROM <table> [WHERE col = 'value'] [LIMIT n]" against the
// decoded rows of one bucket. There is no write grammar at all, so the
// "never expose write verbs" invariant holds by construction.
func (s *BoltStore) Query(sql string) ([]map[string]any, error) {
	q, err := parseSelect(sql)
	if err != nil {
		return nil, err
	}
	bucket, ok := queryTables[q.table]
	if !ok {
		return nil, fmt.Errorf("unknown table: %s", q.table)
	}

	var rows []map[string]any
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		return b.ForEach(func(_, v []byte) error {
			var row map[string]any
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if q.matches(row) {
				rows = append(rows, projectColumns(row, q.columns))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if q.limit > 0 && len(rows) > q.limit {
		rows = rows[:q.limit]
	}
	return rows, nil
}

var queryTables = map[string][]byte{
	"drones":           bucketDrones,
	"queue":            bucketQueue,
	"sessions":         bucketSessions,
	"build_history":    bucketBuildHistory,
	"health":           bucketHealth,
	"events":           bucketEvents,
	"protocol":         bucketProtocol,
	"payload_versions": bucketPayloadVers,
	"drone_payloads":   bucketDronePayloads,
	"deploy_log":       bucketDeployLog,
	"releases":         bucketReleases,
	"drone_config":     bucketDroneConfig,
}

// TableNames lists tables the SQL explorer's /sql/tables endpoint reports.
func TableNames() []string {
	names := make([]string, 0, len(queryTables))
	for name := range queryTables {
		names = append(names, name)
	}
	return names
}

type selectQuery struct {
	columns    []string
	table      string
	whereCol   string
	whereValue string
	limit      int
}

func (q selectQuery) matches(row map[string]any) bool {
	if q.whereCol == "" {
		return true
	}
	v, ok := row[q.whereCol]
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", v) == q.whereValue
}

func projectColumns(row map[string]any, columns []string) map[string]any {
	if len(columns) == 1 && columns[0] == "*" {
		return row
	}
	out := make(map[string]any, len(columns))
	for _, c := range columns {
		out[c] = row[c]
	}
	return out
}

// parseSelect implements the strict whitelist grammar described in spec
// §4.A: exactly one SELECT statement, no semicolons, no subqueries.
func parseSelect(sql string) (selectQuery, error) {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	if strings.Contains(sql, ";") {
		return selectQuery{}, fmt.Errorf("only a single statement is allowed")
	}
	upper := strings.ToUpper(sql)
	if !strings.HasPrefix(upper, "SELECT ") {
		return selectQuery{}, fmt.Errorf("only SELECT statements are allowed")
	}

	fromIdx := strings.Index(upper, " FROM ")
	if fromIdx < 0 {
		return selectQuery{}, fmt.Errorf("missing FROM clause")
	}
	colsPart := strings.TrimSpace(sql[len("SELECT "):fromIdx])
	rest := strings.TrimSpace(sql[fromIdx+len(" FROM "):])

	var whereCol, whereVal string
	if idx := strings.Index(strings.ToUpper(rest), " WHERE "); idx >= 0 {
		whereClause := strings.TrimSpace(rest[idx+len(" WHERE "):])
		rest = strings.TrimSpace(rest[:idx])

		limit := 0
		if lidx := strings.Index(strings.ToUpper(whereClause), " LIMIT "); lidx >= 0 {
			limitPart := strings.TrimSpace(whereClause[lidx+len(" LIMIT "):])
			whereClause = strings.TrimSpace(whereClause[:lidx])
			n, err := strconv.Atoi(limitPart)
			if err != nil {
				return selectQuery{}, fmt.Errorf("invalid LIMIT: %w", err)
			}
			limit = n
		}

		parts := strings.SplitN(whereClause, "=", 2)
		if len(parts) != 2 {
			return selectQuery{}, fmt.Errorf("unsupported WHERE clause, expected col = value")
		}
		whereCol = strings.TrimSpace(parts[0])
		whereVal = strings.Trim(strings.TrimSpace(parts[1]), "'\"")

		return selectQuery{
			columns:    splitColumns(colsPart),
			table:      strings.ToLower(rest),
			whereCol:   whereCol,
			whereValue: whereVal,
			limit:      limit,
		}, nil
	}

	limit := 0
	if lidx := strings.Index(strings.ToUpper(rest), " LIMIT "); lidx >= 0 {
		limitPart := strings.TrimSpace(rest[lidx+len(" LIMIT "):])
		rest = strings.TrimSpace(rest[:lidx])
		n, err := strconv.Atoi(limitPart)
		if err != nil {
			return selectQuery{}, fmt.Errorf("invalid LIMIT: %w", err)
		}
		limit = n
	}

	return selectQuery{
		columns: splitColumns(colsPart),
		table:   strings.ToLower(rest),
		limit:   limit,
	}, nil
}

func splitColumns(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
