// Package dhtcrawl implements a passive Mainline DHT (BEP 5) crawler: it
// joins the Kademlia overlay, answers queries from other nodes honestly, and
// drives its own find_node/get_peers/announce_peer lookups, without ever
// storing a peer list of its own. The one thing it's built to harvest is
// info-hashes: every get_peers and announce_peer query this session
// receives is reported through the SetOnInfoHash callback. Its own outbound
// lookups are not reported there.
package dhtcrawl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/time/rate"

	"github.com/taipei-labs/dhtcrawl/arena"
	"github.com/taipei-labs/dhtcrawl/bootstrap"
	"github.com/taipei-labs/dhtcrawl/endpoint"
	"github.com/taipei-labs/dhtcrawl/kbucket"
	"github.com/taipei-labs/dhtcrawl/krpc"
	"github.com/taipei-labs/dhtcrawl/logger"
	"github.com/taipei-labs/dhtcrawl/lookup"
	"github.com/taipei-labs/dhtcrawl/nodeid"
	"github.com/taipei-labs/dhtcrawl/ratelimit"
	"github.com/taipei-labs/dhtcrawl/routingtable"
	"github.com/taipei-labs/dhtcrawl/token"
	"github.com/taipei-labs/dhtcrawl/transaction"
)

// Internal tuning not exposed through Config: these govern how often the
// main loop drives lookups and bootstrap forward, not protocol behavior.
const (
	lookupTickInterval    = 100 * time.Millisecond
	bootstrapTickInterval = 200 * time.Millisecond
	txSweepInterval       = 1 * time.Second
	arenaBlocks           = 64
	infoHashDedupSize     = 8192
)

// queryRef is what a Session remembers about an outbound query it issued on
// behalf of a Lookup, keyed by the query's transaction id: which lookup to
// feed the eventual reply into, and which candidate node it came from.
type queryRef struct {
	lookupKey string
	nodeID    nodeid.NodeID
}

// evictAttempt is what a Session remembers about a ping sent to a full
// bucket's least-recently-seen node, to decide whether a waiting candidate
// gets to take its place.
type evictAttempt struct {
	stale       nodeid.NodeID
	replacement kbucket.Node
}

// activeLookup is a Lookup this session is currently driving, plus how to
// signal completion: done is closed once, for synchronous callers blocked
// on it; onDone additionally runs for lookups started in the background
// (bootstrap's random lookups), which have no caller to unblock.
type activeLookup struct {
	lk        *lookup.Lookup
	done      chan struct{}
	closeOnce sync.Once
	onDone    func(*lookup.Lookup)
}

// Session is a running DHT node: one UDP socket, one routing table, and the
// lookup/bootstrap/token/transaction machinery that drives it. Create one
// with New, bring it onto the network with Start, and shut it down with
// Stop.
type Session struct {
	cfg     Config
	log     logger.DebugLogger
	localID nodeid.NodeID

	rt     *routingtable.RoutingTable
	tokens *token.Manager
	txs    *transaction.Registry

	perClient *ratelimit.PerClientLimiter
	global    *ratelimit.GlobalBudget

	arena arena.Arena

	mu                   sync.Mutex
	conn                 *net.UDPConn
	running              bool
	stop                 chan struct{}
	lookups              map[string]*activeLookup
	pendingQuery         map[string]queryRef
	pendingEvict         map[string]evictAttempt
	pendingBootstrapPing map[string]*bootstrap.Bootstrap
	bootstrapping        *bootstrap.Bootstrap
	nextLookupID         uint64

	infoHashMu   sync.Mutex
	infoHashSeen *lru.Cache
	onInfoHash   func(nodeid.NodeID, endpoint.Endpoint)

	wg sync.WaitGroup
}

// New creates a Session from cfg. A nil cfg uses DefaultConfig. New does not
// touch the network; call Start to bind the socket and begin bootstrapping.
func New(cfg *Config) (*Session, error) {
	if cfg == nil {
		c := *DefaultConfig
		cfg = &c
	}

	localID := nodeid.NodeID{}
	if cfg.NodeID != nil {
		localID = *cfg.NodeID
	} else {
		id, err := nodeid.Secure()
		if err != nil {
			return nil, newError(ErrKindStart, fmt.Errorf("generating local node id: %w", err))
		}
		localID = id
	}

	log := cfg.Logger
	if log == nil {
		log = &logger.NullLogger{}
	}

	tokens, err := token.NewManagerWithInterval(time.Duration(cfg.TokenRotationS) * time.Second)
	if err != nil {
		return nil, newError(ErrKindStart, err)
	}

	var global *ratelimit.GlobalBudget
	if cfg.RateLimit > 0 {
		global = ratelimit.NewGlobalBudget(rate.Limit(cfg.RateLimit), cfg.RateLimit*2)
	}
	var perClient *ratelimit.PerClientLimiter
	if cfg.ClientPerMinuteLimit > 0 {
		perClient = ratelimit.NewPerClientLimiter(rate.Limit(cfg.ClientPerMinuteLimit)/60, cfg.ClientPerMinuteLimit, cfg.ThrottlerTrackedClients)
	}

	s := &Session{
		cfg:                  *cfg,
		log:                  log,
		localID:              localID,
		rt:                   routingtable.New(localID, cfg.K, log),
		tokens:               tokens,
		txs:                  transaction.NewRegistry(orDuration(cfg.QueryTimeoutMs, lookup.QueryTimeout)),
		perClient:            perClient,
		global:               global,
		// One byte past the datagram cap: a read that fills the whole buffer
		// means the packet was at least oversized, which the dispatch path
		// counts and drops rather than mis-parsing a truncated payload.
		arena:                arena.NewArena(krpc.MaxDatagramSize+1, arenaBlocks),
		lookups:              make(map[string]*activeLookup),
		pendingQuery:         make(map[string]queryRef),
		pendingEvict:         make(map[string]evictAttempt),
		pendingBootstrapPing: make(map[string]*bootstrap.Bootstrap),
		infoHashSeen:         lru.New(infoHashDedupSize),
	}
	return s, nil
}

// LocalID returns the id this session identifies itself as on the wire.
func (s *Session) LocalID() nodeid.NodeID { return s.localID }

// RoutingTableSnapshot returns every node currently tracked, for diagnostics.
func (s *Session) RoutingTableSnapshot() []kbucket.Node { return s.rt.Snapshot() }

// SetOnInfoHash installs the callback invoked for every info-hash named in a
// get_peers or announce_peer query this session receives (repeats within
// the recent-seen cache are dropped). Lookups this session runs itself do
// not invoke it. The endpoint passed is whoever is asking about
// (or announcing for) that info-hash, not a peer found for it. Safe to call
// before or after Start; nil clears the callback.
func (s *Session) SetOnInfoHash(cb func(nodeid.NodeID, endpoint.Endpoint)) {
	s.infoHashMu.Lock()
	s.onInfoHash = cb
	s.infoHashMu.Unlock()
}

func (s *Session) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start binds the UDP socket and begins the bootstrap procedure against
// bootstrapAddrs ("host:port" strings; DNS names are resolved). It returns
// once the socket is bound and the background goroutines are running;
// bootstrap itself continues asynchronously, its outcome observable only
// through logs, metrics, and the routing table eventually filling in.
func (s *Session) Start(bootstrapAddrs []string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return newError(ErrKindStart, ErrAlreadyRunning)
	}
	s.mu.Unlock()

	addr := &net.UDPAddr{Port: int(s.cfg.BindPort)}
	if s.cfg.Address != "" {
		addr.IP = net.ParseIP(s.cfg.Address)
	}
	conn, err := net.ListenUDP(s.cfg.UDPProto, addr)
	if err != nil {
		return newError(ErrKindStart, fmt.Errorf("binding udp socket: %w", err))
	}

	seeds := s.resolveSeeds(bootstrapAddrs)

	s.mu.Lock()
	s.conn = conn
	s.bootstrapping = bootstrap.New(seeds, s.cfg.bootstrapConfig())
	s.running = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.receiveLoop()
	go s.mainLoop()
	return nil
}

// Stop closes the socket and waits for the background goroutines to exit.
// It is a no-op if the session isn't running.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	conn := s.conn
	stop := s.stop
	s.mu.Unlock()

	close(stop)
	conn.Close()
	s.wg.Wait()
}

// resolveSeeds turns "host:port" bootstrap addresses into endpoints,
// skipping (and logging) any that don't parse or resolve. DNS lookups are
// bounded individually so one unreachable router name can't stall Start.
func (s *Session) resolveSeeds(addrs []string) []endpoint.Endpoint {
	var seeds []endpoint.Endpoint
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			s.log.Errorf("dhtcrawl: bad bootstrap address %q: %v", addr, err)
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			s.log.Errorf("dhtcrawl: bad bootstrap port in %q: %v", addr, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ep, err := endpoint.Resolve(ctx, host, uint16(port), endpoint.V4)
		cancel()
		if err != nil {
			s.log.Errorf("dhtcrawl: resolving bootstrap address %q: %v", addr, err)
			continue
		}
		seeds = append(seeds, ep)
	}
	return seeds
}

// receiveLoop owns the socket read side: one arena buffer per datagram, a
// defensive copy of the payload before the buffer goes back in the arena
// (decoded fields alias whatever slice they're handed, and the arena hands
// the same backing array to a later, unrelated datagram), then dispatch.
func (s *Session) receiveLoop() {
	defer s.wg.Done()
	for {
		buf := s.arena.Pop()
		n, udpAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.arena.Push(buf)
			select {
			case <-s.stop:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
				s.log.Debugf("dhtcrawl: transient udp read error: %v", err)
				continue
			}
			s.log.Errorf("dhtcrawl: udp read: %v", err)
			return
		}

		from, ferr := endpoint.FromUDPAddr(udpAddr)
		if ferr != nil {
			s.arena.Push(buf)
			continue
		}
		if s.global != nil && !s.global.Allow() {
			totalDroppedRateLimited.Add(1)
			s.arena.Push(buf)
			continue
		}
		if s.perClient != nil && !s.perClient.Allow(from.IP) {
			totalDroppedRateLimited.Add(1)
			s.arena.Push(buf)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.arena.Push(buf)
		s.processPacket(data, from)
	}
}

// processPacket decodes one datagram and dispatches it. Decode failures for
// an otherwise-recognizable query still carry a usable transaction id, so
// those get a proper KRPC error reply; anything else is dropped silently,
// since there's no tid to address a reply to.
func (s *Session) processPacket(data []byte, from endpoint.Endpoint) {
	if len(data) > krpc.MaxDatagramSize {
		totalDroppedOversized.Add(1)
		return
	}
	msg, err := krpc.Decode(data)
	if err != nil {
		if msg != nil && msg.Type == krpc.TypeQuery {
			if errors.Is(err, krpc.ErrUnknownMethod) {
				totalUnknownMethods.Add(1)
				s.sendError(msg.TransactionID, errMethod, from)
			} else {
				totalMalformed.Add(1)
				s.sendError(msg.TransactionID, errProtocol, from)
			}
			return
		}
		totalMalformed.Add(1)
		return
	}

	switch msg.Type {
	case krpc.TypeQuery:
		s.handleQuery(msg, from)
	case krpc.TypeResponse:
		totalRecvResponse.Add(1)
		s.handleResponse(msg, from)
	case krpc.TypeError:
		totalRecvError.Add(1)
		s.handleError(msg, from)
	}
}

func (s *Session) handleQuery(msg *krpc.Message, from endpoint.Endpoint) {
	totalRecvQuery.Add(1)
	q := msg.Query
	s.considerInsert(kbucket.Node{ID: q.ID, Endpoint: from, LastSeen: time.Now()})

	switch q.Method {
	case krpc.MethodPing:
		totalRecvPing.Add(1)
		s.replyPing(msg.TransactionID, from)
	case krpc.MethodFindNode:
		totalRecvFindNode.Add(1)
		s.replyFindNode(msg.TransactionID, q, from)
	case krpc.MethodGetPeers:
		totalRecvGetPeers.Add(1)
		s.replyGetPeers(msg.TransactionID, q, from)
	case krpc.MethodAnnouncePeer:
		totalRecvAnnouncePeer.Add(1)
		s.replyAnnouncePeer(msg.TransactionID, q, from)
	}
}

func (s *Session) replyPing(tid []byte, from endpoint.Endpoint) {
	data, err := krpc.EncodeResponse(tid, krpc.MethodPing, krpc.Response{ID: s.localID})
	if err != nil {
		s.log.Errorf("dhtcrawl: encoding ping response: %v", err)
		return
	}
	s.writeTo(data, from)
}

func (s *Session) replyFindNode(tid []byte, q *krpc.Query, from endpoint.Endpoint) {
	v4, v6 := s.closestCompact(q.Target)
	data, err := krpc.EncodeResponse(tid, krpc.MethodFindNode, krpc.Response{ID: s.localID, Nodes: v4, Nodes6: v6})
	if err != nil {
		s.log.Errorf("dhtcrawl: encoding find_node response: %v", err)
		return
	}
	s.writeTo(data, from)
}

func (s *Session) replyGetPeers(tid []byte, q *krpc.Query, from endpoint.Endpoint) {
	s.reportInfoHash(q.InfoHash, from)
	v4, v6 := s.closestCompact(q.InfoHash)
	resp := krpc.Response{ID: s.localID, Nodes: v4, Nodes6: v6, Token: s.tokens.Generate(from)}
	data, err := krpc.EncodeResponse(tid, krpc.MethodGetPeers, resp)
	if err != nil {
		s.log.Errorf("dhtcrawl: encoding get_peers response: %v", err)
		return
	}
	s.writeTo(data, from)
}

func (s *Session) replyAnnouncePeer(tid []byte, q *krpc.Query, from endpoint.Endpoint) {
	if !s.tokens.Verify(from, q.Token) {
		totalBadTokens.Add(1)
		s.sendError(tid, errBadToken, from)
		return
	}
	announced := from
	if !q.ImpliedPort {
		announced.Port = q.Port
	}
	s.reportInfoHash(q.InfoHash, announced)

	data, err := krpc.EncodeResponse(tid, krpc.MethodAnnouncePeer, krpc.Response{ID: s.localID})
	if err != nil {
		s.log.Errorf("dhtcrawl: encoding announce_peer response: %v", err)
		return
	}
	s.writeTo(data, from)
}

// closestCompact returns the table's closest nodes to target, split into v4
// and v6 compact-node lists the way a find_node/get_peers response needs.
func (s *Session) closestCompact(target nodeid.NodeID) (v4, v6 []krpc.CompactNode) {
	nodes := s.rt.ClosestNodes(target, s.cfg.K)
	v4 = make([]krpc.CompactNode, 0, len(nodes))
	for _, n := range nodes {
		cn := krpc.CompactNode{ID: n.ID, Endpoint: n.Endpoint}
		if n.Endpoint.Family == endpoint.V6 {
			v6 = append(v6, cn)
		} else {
			v4 = append(v4, cn)
		}
	}
	return v4, v6
}

// reportInfoHash runs the harvest path: dedup against a bounded recent-seen
// cache, count it, and hand it to the caller's callback if one is set.
func (s *Session) reportInfoHash(ih nodeid.NodeID, from endpoint.Endpoint) {
	key := ih.String()
	s.infoHashMu.Lock()
	_, dup := s.infoHashSeen.Get(key)
	s.infoHashSeen.Add(key, struct{}{})
	cb := s.onInfoHash
	s.infoHashMu.Unlock()

	if dup {
		totalInfoHashesDeduped.Add(1)
		return
	}
	totalInfoHashesHarvested.Add(1)
	if cb != nil {
		// A panicking callback must not tear down the receive loop.
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorf("dhtcrawl: on-info-hash callback panicked: %v", r)
			}
		}()
		cb(ih, from)
	}
}

func (s *Session) handleResponse(msg *krpc.Message, from endpoint.Endpoint) {
	method, wantEp, ok := s.txs.Complete(msg.TransactionID)
	if !ok || !wantEp.Equal(from) {
		totalDroppedStrayReply.Add(1)
		return
	}
	r := msg.Response
	if r == nil {
		totalMalformed.Add(1)
		return
	}
	s.considerInsert(kbucket.Node{ID: r.ID, Endpoint: from, LastSeen: time.Now()})

	s.mu.Lock()
	qref, isLookup := s.pendingQuery[string(msg.TransactionID)]
	if isLookup {
		delete(s.pendingQuery, string(msg.TransactionID))
	}
	_, isEvict := s.pendingEvict[string(msg.TransactionID)]
	if isEvict {
		delete(s.pendingEvict, string(msg.TransactionID))
	}
	bs, isBootstrapPing := s.pendingBootstrapPing[string(msg.TransactionID)]
	if isBootstrapPing {
		delete(s.pendingBootstrapPing, string(msg.TransactionID))
	}
	s.mu.Unlock()

	// The eviction candidate answered: it's alive, so it keeps its place and
	// the node that wanted in is simply not inserted.
	if isEvict {
		return
	}
	// A seed router answered the ping bootstrap sent it: tell the state
	// machine so Advance knows at least one seed is alive and Outcome won't
	// report ErrBootstrapFailed out from under a bootstrap that actually
	// succeeded.
	if isBootstrapPing {
		bs.PingResult(from)
		return
	}
	if !isLookup {
		return
	}

	s.mu.Lock()
	al := s.lookups[qref.lookupKey]
	s.mu.Unlock()
	if al == nil {
		return
	}
	// The lookup's candidate is keyed by the id we queried, not the id the
	// reply claims; a node that answers under a different id still counts as
	// that candidate responding.
	al.lk.OnResponse(qref.nodeID)
	al.lk.AddCandidates(allNodes(r))
	if method == krpc.MethodGetPeers {
		al.lk.AddValues(r.Values)
		if len(r.Token) > 0 {
			al.lk.OnGetPeersToken(qref.nodeID, r.Token)
		}
	}
}

func (s *Session) handleError(msg *krpc.Message, from endpoint.Endpoint) {
	_, wantEp, ok := s.txs.Complete(msg.TransactionID)
	if !ok || !wantEp.Equal(from) {
		totalDroppedStrayReply.Add(1)
		return
	}
	s.mu.Lock()
	delete(s.pendingQuery, string(msg.TransactionID))
	delete(s.pendingEvict, string(msg.TransactionID))
	delete(s.pendingBootstrapPing, string(msg.TransactionID))
	s.mu.Unlock()

	if msg.Error != nil {
		s.log.Debugf("dhtcrawl: %s replied with error %d %q", from, msg.Error.Code, msg.Error.Message)
	}
}

// considerInsert is called for every node this session has just directly
// heard from (a query's sender, or a response's responder). Nodes merely
// mentioned inside a find_node/get_peers response are lookup candidates,
// never routing table members, until they answer something themselves.
func (s *Session) considerInsert(n kbucket.Node) {
	if n.ID == s.localID {
		return
	}
	if s.rt.Update(n) {
		return
	}
	ok, evictCandidate, hasEvict := s.rt.Insert(n)
	if ok || !hasEvict {
		return
	}
	tid, err := s.txs.Begin(krpc.MethodPing, evictCandidate.Endpoint)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.pendingEvict[string(tid)] = evictAttempt{stale: evictCandidate.ID, replacement: n}
	s.mu.Unlock()
	if err := s.send(krpc.Query{Method: krpc.MethodPing, ID: s.localID}, tid, evictCandidate.Endpoint); err != nil {
		s.txs.Complete(tid)
		s.mu.Lock()
		delete(s.pendingEvict, string(tid))
		s.mu.Unlock()
		return
	}
	totalSentPing.Add(1)
}

func allNodes(r *krpc.Response) []kbucket.Node {
	out := make([]kbucket.Node, 0, len(r.Nodes)+len(r.Nodes6))
	out = append(out, compactToNodes(r.Nodes)...)
	out = append(out, compactToNodes(r.Nodes6)...)
	return out
}

func compactToNodes(nodes []krpc.CompactNode) []kbucket.Node {
	now := time.Now()
	out := make([]kbucket.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, kbucket.Node{ID: n.ID, Endpoint: n.Endpoint, LastSeen: now})
	}
	return out
}

// mainLoop drives everything that isn't triggered directly by an inbound
// packet: outstanding lookups, the bootstrap state machine, and periodic
// transaction/routing-table maintenance.
func (s *Session) mainLoop() {
	defer s.wg.Done()

	lookupTick := time.NewTicker(lookupTickInterval)
	defer lookupTick.Stop()
	sweepTick := time.NewTicker(txSweepInterval)
	defer sweepTick.Stop()
	bootstrapTick := time.NewTicker(bootstrapTickInterval)
	defer bootstrapTick.Stop()
	maintenanceTick := time.NewTicker(s.cfg.CleanupPeriod)
	defer maintenanceTick.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-lookupTick.C:
			s.tickLookups(now)
		case now := <-sweepTick.C:
			s.sweepTransactions(now)
		case now := <-bootstrapTick.C:
			s.driveBootstrap(now)
		case <-maintenanceTick.C:
			s.maybeRebootstrap()
		}
	}
}

func (s *Session) tickLookups(now time.Time) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.lookups))
	for k := range s.lookups {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.pumpOne(key, now)
	}
}

// pumpOne advances one lookup by one tick: time out anything overdue, send
// as many fresh queries as its alpha budget allows, and close it out if it's
// converged or hit its deadline. Returns true if the lookup is gone
// (completed or already vanished) by the time this call returns.
func (s *Session) pumpOne(key string, now time.Time) bool {
	s.mu.Lock()
	al, ok := s.lookups[key]
	s.mu.Unlock()
	if !ok {
		return true
	}

	al.lk.CheckTimeouts(now)
	for _, n := range al.lk.NextQueries(now) {
		s.sendLookupQuery(key, al.lk, n)
	}
	if done, _ := al.lk.Done(now); done {
		s.completeLookup(key, al)
		return true
	}
	return false
}

func (s *Session) completeLookup(key string, al *activeLookup) {
	s.mu.Lock()
	delete(s.lookups, key)
	s.mu.Unlock()

	totalLookupsCompleted.Add(1)
	al.closeOnce.Do(func() { close(al.done) })
	if al.onDone != nil {
		al.onDone(al.lk)
	}
}

func (s *Session) sendLookupQuery(key string, lk *lookup.Lookup, n kbucket.Node) {
	var q krpc.Query
	switch lk.Method() {
	case lookup.MethodFindNode:
		q = krpc.Query{Method: krpc.MethodFindNode, ID: s.localID, Target: lk.Target()}
	case lookup.MethodGetPeers:
		q = krpc.Query{Method: krpc.MethodGetPeers, ID: s.localID, InfoHash: lk.Target()}
	default:
		return
	}

	tid, err := s.txs.Begin(q.Method, n.Endpoint)
	if err != nil {
		s.log.Errorf("dhtcrawl: allocating transaction for %s: %v", n.Endpoint, err)
		return
	}
	s.mu.Lock()
	s.pendingQuery[string(tid)] = queryRef{lookupKey: key, nodeID: n.ID}
	s.mu.Unlock()

	if err := s.send(q, tid, n.Endpoint); err != nil {
		s.txs.Complete(tid)
		s.mu.Lock()
		delete(s.pendingQuery, string(tid))
		s.mu.Unlock()
		return
	}
	switch q.Method {
	case krpc.MethodFindNode:
		totalSentFindNode.Add(1)
	case krpc.MethodGetPeers:
		totalSentGetPeers.Add(1)
	}
}

// registerLookup adds lk to the set of lookups the main loop drives and
// fires its first round of queries immediately, rather than waiting for the
// next tick.
func (s *Session) registerLookup(lk *lookup.Lookup, onDone func(*lookup.Lookup)) (string, *activeLookup) {
	id := atomic.AddUint64(&s.nextLookupID, 1)
	key := fmt.Sprintf("%s-%s-%d", lk.Method(), lk.Target().String()[:8], id)
	al := &activeLookup{lk: lk, done: make(chan struct{}), onDone: onDone}

	s.mu.Lock()
	s.lookups[key] = al
	s.mu.Unlock()

	totalLookupsStarted.Add(1)
	s.pumpOne(key, time.Now())
	return key, al
}

func (s *Session) abandonLookup(key string) {
	s.mu.Lock()
	delete(s.lookups, key)
	s.mu.Unlock()
}

// runLookup runs a find_node or get_peers lookup to completion, or until ctx
// is done or the session stops. The returned Lookup is valid (for Results,
// Token) even when err is non-nil from a context cancellation, reflecting
// whatever was gathered before the cancellation.
func (s *Session) runLookup(ctx context.Context, method string, target nodeid.NodeID) (*lookup.Lookup, error) {
	if !s.isRunning() {
		return nil, ErrNotRunning
	}

	seeds := s.rt.ClosestNodes(target, s.cfg.K*2)
	lk := lookup.New(target, method, seeds, s.cfg.lookupConfig())
	key, al := s.registerLookup(lk, nil)

	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()

	select {
	case <-al.done:
		return lk, nil
	case <-ctx.Done():
		s.abandonLookup(key)
		return lk, ctx.Err()
	case <-stop:
		s.abandonLookup(key)
		return lk, ErrNotRunning
	}
}

// FindNodes runs an iterative find_node lookup toward target and returns
// the closest responding nodes it found.
func (s *Session) FindNodes(ctx context.Context, target nodeid.NodeID) ([]kbucket.Node, error) {
	lk, err := s.runLookup(ctx, lookup.MethodFindNode, target)
	if err != nil {
		return nil, err
	}
	closest, _ := lk.Results()
	return closest, nil
}

// GetPeers runs an iterative get_peers lookup for infoHash and returns the
// peer endpoints announced for it that this session observed along the way.
func (s *Session) GetPeers(ctx context.Context, infoHash nodeid.NodeID) ([]endpoint.Endpoint, error) {
	lk, err := s.runLookup(ctx, lookup.MethodGetPeers, infoHash)
	if err != nil {
		return nil, err
	}
	_, values := lk.Results()
	return values, nil
}

// AnnouncePeer runs a get_peers lookup for infoHash, then announces this
// process as a peer for it to every closest node that handed back a token.
// It is best-effort: announce_peer responses are not waited for. ErrNoToken
// is returned if nothing on the lookup path supplied a token.
func (s *Session) AnnouncePeer(ctx context.Context, infoHash nodeid.NodeID, port uint16, impliedPort bool) error {
	lk, err := s.runLookup(ctx, lookup.MethodGetPeers, infoHash)
	if err != nil {
		return newError(ErrKindAnnounce, err)
	}
	closest, _ := lk.Results()

	sent := 0
	for _, n := range closest {
		tok, ok := lk.Token(n.ID)
		if !ok {
			continue
		}
		q := krpc.Query{
			Method:      krpc.MethodAnnouncePeer,
			ID:          s.localID,
			InfoHash:    infoHash,
			Port:        port,
			ImpliedPort: impliedPort,
			Token:       tok,
		}
		tid, err := s.txs.Begin(q.Method, n.Endpoint)
		if err != nil {
			continue
		}
		if err := s.send(q, tid, n.Endpoint); err != nil {
			s.txs.Complete(tid)
			continue
		}
		totalSentAnnouncePeer.Add(1)
		sent++
	}
	if sent == 0 {
		return newError(ErrKindAnnounce, ErrNoToken)
	}
	return nil
}

func (s *Session) sweepTransactions(now time.Time) {
	for _, p := range s.txs.Sweep(now) {
		totalTransactionTimeouts.Add(1)

		s.mu.Lock()
		_, isLookup := s.pendingQuery[p.ID]
		if isLookup {
			delete(s.pendingQuery, p.ID)
		}
		evict, isEvict := s.pendingEvict[p.ID]
		if isEvict {
			delete(s.pendingEvict, p.ID)
		}
		delete(s.pendingBootstrapPing, p.ID)
		s.mu.Unlock()

		if isEvict {
			s.rt.ReplaceStale(evict.stale, evict.replacement)
		}
		// A lookup-tagged timeout needs no extra bookkeeping here: the
		// lookup's own CheckTimeouts, driven by tickLookups against its
		// per-candidate queriedAt, already handles retry/failure for that
		// candidate independent of this registry-wide sweep.
		// A bootstrap ping timeout needs none either: that seed simply never
		// calls PingResult, which is exactly "didn't answer."
	}
}

func (s *Session) driveBootstrap(now time.Time) {
	s.mu.Lock()
	b := s.bootstrapping
	s.mu.Unlock()
	if b == nil {
		return
	}

	for _, ep := range b.PendingPings() {
		tid, err := s.txs.Begin(krpc.MethodPing, ep)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.pendingBootstrapPing[string(tid)] = b
		s.mu.Unlock()
		if err := s.send(krpc.Query{Method: krpc.MethodPing, ID: s.localID}, tid, ep); err != nil {
			s.txs.Complete(tid)
			s.mu.Lock()
			delete(s.pendingBootstrapPing, string(tid))
			s.mu.Unlock()
			continue
		}
		totalSentPing.Add(1)
	}

	if targets := b.Advance(now); targets != nil {
		for _, t := range targets {
			s.startBackgroundLookup(t, b)
		}
	}

	if b.Phase() != bootstrap.PhaseDone && !b.Expired(now) {
		return
	}
	if err := b.Outcome(); err != nil {
		totalBootstrapFailures.Add(1)
		s.log.Errorf("dhtcrawl: bootstrap failed: %v", err)
	} else {
		s.log.Infof("dhtcrawl: bootstrap complete, %d nodes known", s.rt.NumNodes())
	}
	s.mu.Lock()
	if s.bootstrapping == b {
		s.bootstrapping = nil
	}
	s.mu.Unlock()
}

func (s *Session) startBackgroundLookup(target nodeid.NodeID, b *bootstrap.Bootstrap) {
	seeds := s.rt.ClosestNodes(target, s.cfg.K*2)
	lk := lookup.New(target, lookup.MethodFindNode, seeds, s.cfg.lookupConfig())
	s.registerLookup(lk, func(*lookup.Lookup) {
		b.LookupCompleted()
	})
}

// maybeRebootstrap fires a fresh bootstrap attempt once the previous one has
// finished and the routing table is still thin, so a session that started
// on a quiet part of the network (or lost most of its table to churn) keeps
// trying rather than stalling forever at whatever it found first.
func (s *Session) maybeRebootstrap() {
	s.mu.Lock()
	b := s.bootstrapping
	s.mu.Unlock()
	if b != nil {
		return
	}
	if s.cfg.MaxNodes > 0 && s.rt.NumNodes() >= s.cfg.MaxNodes/2 {
		return
	}
	seeds := s.resolveSeeds(strings.Split(s.cfg.BootstrapRouters, ","))
	if len(seeds) == 0 {
		return
	}
	s.mu.Lock()
	s.bootstrapping = bootstrap.New(seeds, s.cfg.bootstrapConfig())
	s.mu.Unlock()
}

func (s *Session) send(q krpc.Query, tid []byte, to endpoint.Endpoint) error {
	data, err := krpc.EncodeQuery(tid, q)
	if err != nil {
		return err
	}
	return s.writeTo(data, to)
}

func (s *Session) sendError(tid []byte, e krpc.ErrorInfo, to endpoint.Endpoint) {
	data, err := krpc.EncodeError(tid, e)
	if err != nil {
		return
	}
	s.writeTo(data, to)
}

func (s *Session) writeTo(data []byte, to endpoint.Endpoint) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotRunning
	}
	if _, err := conn.WriteToUDP(data, to.UDPAddr()); err != nil {
		s.log.Errorf("dhtcrawl: udp write to %s: %v", to, err)
		return err
	}
	return nil
}
