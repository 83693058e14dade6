package subs

import (
	"context"
	"sort"
	"sync"

	"livebot/internal/storage"
	"livebot/pkg/logx"
)

// Store holds all subscription state in memory and mirrors mutations to the
// persistence layer. It is safe for concurrent use; every compound operation
// (read-then-write of sets plus reverse indexes) runs under one mutex.
type Store struct {
	log logx.Logger
	db  storage.Store // nil disables persistence

	mu        sync.Mutex
	streamers map[int64]*Streamer
	groups    map[int64]*GroupSub
	users     map[int64]*UserSub

	// Reverse indexes: UID -> subscriber ID set. Derived from groups/users,
	// rebuilt on load, updated in lockstep with every mutation.
	groupIdx map[int64]map[int64]struct{}
	userIdx  map[int64]map[int64]struct{}
}

func NewStore(db storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		log:       log,
		db:        db,
		streamers: map[int64]*Streamer{},
		groups:    map[int64]*GroupSub{},
		users:     map[int64]*UserSub{},
		groupIdx:  map[int64]map[int64]struct{}{},
		userIdx:   map[int64]map[int64]struct{}{},
	}
}

// Load restores persisted state and rebuilds the reverse indexes.
func (s *Store) Load(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	var streamers map[int64]*Streamer
	var groups map[int64]*GroupSub
	var users map[int64]*UserSub

	if _, err := s.db.Load(ctx, datasetStreamers, &streamers); err != nil {
		return err
	}
	if _, err := s.db.Load(ctx, datasetGroupSubs, &groups); err != nil {
		return err
	}
	if _, err := s.db.Load(ctx, datasetUserSubs, &users); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if streamers != nil {
		s.streamers = streamers
	}
	if groups != nil {
		s.groups = groups
	}
	if users != nil {
		s.users = users
	}
	s.groupIdx = map[int64]map[int64]struct{}{}
	s.userIdx = map[int64]map[int64]struct{}{}
	for gid, g := range s.groups {
		for _, uid := range g.UIDs {
			indexAdd(s.groupIdx, uid, gid)
		}
	}
	for id, u := range s.users {
		for _, uid := range u.UIDs {
			indexAdd(s.userIdx, uid, id)
		}
	}
	return nil
}

// ---- streamer records ----

// UpsertStreamer inserts or replaces a streamer record. Subscriptions are
// untouched.
func (s *Store) UpsertStreamer(st Streamer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := st
	s.streamers[st.UID] = &cp
	s.persistLocked(datasetStreamers, s.streamers)
}

// Streamer returns a copy of the record for uid.
func (s *Store) Streamer(uid int64) (Streamer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streamers[uid]
	if !ok {
		return Streamer{}, false
	}
	return *st, true
}

// RemoveStreamer deletes the record and purges uid from every subscription
// set and both reverse indexes in one step. Returns false if uid was unknown.
func (s *Store) RemoveStreamer(uid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streamers[uid]; !ok {
		return false
	}
	delete(s.streamers, uid)
	for gid := range s.groupIdx[uid] {
		if g, ok := s.groups[gid]; ok {
			g.UIDs = removeUID(g.UIDs, uid)
		}
	}
	for id := range s.userIdx[uid] {
		if u, ok := s.users[id]; ok {
			u.UIDs = removeUID(u.UIDs, uid)
		}
	}
	delete(s.groupIdx, uid)
	delete(s.userIdx, uid)

	s.persistLocked(datasetStreamers, s.streamers)
	s.persistLocked(datasetGroupSubs, s.groups)
	s.persistLocked(datasetUserSubs, s.users)
	return true
}

// ---- subscriptions ----

// SubscribeGroup adds uid to the group's set. It returns (false, nil) when
// the group is already subscribed and ErrUnknownStreamer when no streamer
// record exists for uid.
func (s *Store) SubscribeGroup(gid, uid int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streamers[uid]; !ok {
		return false, ErrUnknownStreamer
	}
	g := s.groups[gid]
	if g == nil {
		g = &GroupSub{Enabled: true}
		s.groups[gid] = g
	}
	if containsUID(g.UIDs, uid) {
		return false, nil
	}
	g.UIDs = append(g.UIDs, uid)
	indexAdd(s.groupIdx, uid, gid)
	s.persistLocked(datasetGroupSubs, s.groups)
	return true, nil
}

// UnsubscribeGroup removes uid from the group's set. Returns false when the
// group was not subscribed.
func (s *Store) UnsubscribeGroup(gid, uid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[gid]
	if g == nil || !containsUID(g.UIDs, uid) {
		return false
	}
	g.UIDs = removeUID(g.UIDs, uid)
	indexRemove(s.groupIdx, uid, gid)
	s.persistLocked(datasetGroupSubs, s.groups)
	return true
}

// SubscribeUser is SubscribeGroup for the private namespace.
func (s *Store) SubscribeUser(id, uid int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streamers[uid]; !ok {
		return false, ErrUnknownStreamer
	}
	u := s.users[id]
	if u == nil {
		u = &UserSub{}
		s.users[id] = u
	}
	if containsUID(u.UIDs, uid) {
		return false, nil
	}
	u.UIDs = append(u.UIDs, uid)
	indexAdd(s.userIdx, uid, id)
	s.persistLocked(datasetUserSubs, s.users)
	return true, nil
}

func (s *Store) UnsubscribeUser(id, uid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[id]
	if u == nil || !containsUID(u.UIDs, uid) {
		return false
	}
	u.UIDs = removeUID(u.UIDs, uid)
	indexRemove(s.userIdx, uid, id)
	s.persistLocked(datasetUserSubs, s.users)
	return true
}

// UnsubscribeAll clears the subscriber's whole set and prunes streamer
// records that no longer have any subscriber. Returns how many subscriptions
// were removed.
func (s *Store) UnsubscribeAll(kind Kind, id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uids []int64
	switch kind {
	case KindGroup:
		g := s.groups[id]
		if g == nil {
			return 0
		}
		uids = g.UIDs
		g.UIDs = nil
		for _, uid := range uids {
			indexRemove(s.groupIdx, uid, id)
		}
		s.persistLocked(datasetGroupSubs, s.groups)
	case KindUser:
		u := s.users[id]
		if u == nil {
			return 0
		}
		uids = u.UIDs
		u.UIDs = nil
		for _, uid := range uids {
			indexRemove(s.userIdx, uid, id)
		}
		s.persistLocked(datasetUserSubs, s.users)
	}

	pruned := false
	for _, uid := range uids {
		if len(s.groupIdx[uid]) == 0 && len(s.userIdx[uid]) == 0 {
			delete(s.streamers, uid)
			pruned = true
		}
	}
	if pruned {
		s.persistLocked(datasetStreamers, s.streamers)
	}
	return len(uids)
}

// ---- queries ----

// SubscribedStreamers lists the subscriber's streamers in subscription order.
func (s *Store) SubscribedStreamers(kind Kind, id int64) []Streamer {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uids []int64
	switch kind {
	case KindGroup:
		if g := s.groups[id]; g != nil {
			uids = g.UIDs
		}
	case KindUser:
		if u := s.users[id]; u != nil {
			uids = u.UIDs
		}
	}
	out := make([]Streamer, 0, len(uids))
	for _, uid := range uids {
		if st, ok := s.streamers[uid]; ok {
			out = append(out, *st)
		}
	}
	return out
}

// SubscribersOf is the fan-out query: groups with notifications enabled
// (with their delivery flags) plus all subscribed users.
func (s *Store) SubscribersOf(uid int64) ([]GroupTarget, []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var groups []GroupTarget
	for gid := range s.groupIdx[uid] {
		g := s.groups[gid]
		if g == nil || !g.Enabled {
			continue
		}
		groups = append(groups, GroupTarget{ID: gid, AtAll: g.AtAll, Template: g.Template})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	var users []int64
	for id := range s.userIdx[uid] {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return groups, users
}

// HasSubscribers reports whether anyone tracks uid.
func (s *Store) HasSubscribers(uid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groupIdx[uid]) > 0 || len(s.userIdx[uid]) > 0
}

// TrackedUIDs returns every streamer with at least one subscriber, sorted.
// This scopes the poll cycles.
func (s *Store) TrackedUIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[int64]struct{}{}
	for uid, set := range s.groupIdx {
		if len(set) > 0 {
			seen[uid] = struct{}{}
		}
	}
	for uid, set := range s.userIdx {
		if len(set) > 0 {
			seen[uid] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Group returns a copy of the group's record.
func (s *Store) Group(gid int64) (GroupSub, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[gid]
	if !ok {
		return GroupSub{}, false
	}
	cp := *g
	cp.UIDs = append([]int64(nil), g.UIDs...)
	return cp, true
}

// ---- group flags ----

// SetGroupAtAll toggles the mention-all flag, creating the group record with
// defaults if needed.
func (s *Store) SetGroupAtAll(gid int64, on bool) {
	s.mutateGroup(gid, func(g *GroupSub) { g.AtAll = on })
}

// SetGroupEnabled toggles notification delivery for the group.
func (s *Store) SetGroupEnabled(gid int64, on bool) {
	s.mutateGroup(gid, func(g *GroupSub) { g.Enabled = on })
}

// SetGroupTemplate overrides the group's live-start message template.
// Empty restores the default.
func (s *Store) SetGroupTemplate(gid int64, tmpl string) {
	s.mutateGroup(gid, func(g *GroupSub) { g.Template = tmpl })
}

func (s *Store) mutateGroup(gid int64, fn func(*GroupSub)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[gid]
	if g == nil {
		g = &GroupSub{Enabled: true}
		s.groups[gid] = g
	}
	fn(g)
	s.persistLocked(datasetGroupSubs, s.groups)
}

// ---- internals ----

// persistLocked writes one dataset synchronously. Write volume is a handful
// of small documents per chat command, so the simplicity wins over
// write-behind batching. Errors are logged, not propagated: the in-memory
// state is already authoritative for this process.
func (s *Store) persistLocked(name string, v any) {
	if s.db == nil {
		return
	}
	if err := s.db.Save(context.Background(), name, v); err != nil {
		s.log.Error("persist dataset failed", logx.String("dataset", name), logx.Err(err))
	}
}

func indexAdd(idx map[int64]map[int64]struct{}, uid, id int64) {
	set := idx[uid]
	if set == nil {
		set = map[int64]struct{}{}
		idx[uid] = set
	}
	set[id] = struct{}{}
}

func indexRemove(idx map[int64]map[int64]struct{}, uid, id int64) {
	set := idx[uid]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, uid)
	}
}

func containsUID(uids []int64, uid int64) bool {
	for _, u := range uids {
		if u == uid {
			return true
		}
	}
	return false
}

func removeUID(uids []int64, uid int64) []int64 {
	out := uids[:0]
	for _, u := range uids {
		if u != uid {
			out = append(out, u)
		}
	}
	return out
}
