// Package fcp implements the engine's control surface (C9, §6.1): a
// line-oriented TCP protocol of Key=Value frames terminated by an
// "EndMessage" line, one connection per client, one goroutine per
// connection. Grounded on the teacher's net/http-based control surface
// (core/handlers.go/core/middleware.go) generalized from HTTP request/
// response framing to FCP's own wire format, and on core/node.go's
// graceful-shutdown idiom (context cancellation plus a tracked listener).
package fcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hyphanet/wot-engine/internal/apperr"
	"github.com/hyphanet/wot-engine/internal/introduction"
	"github.com/hyphanet/wot-engine/internal/model"
	"github.com/hyphanet/wot-engine/internal/store"
	"github.com/hyphanet/wot-engine/internal/subscribe"
	"github.com/hyphanet/wot-engine/internal/telemetry"
)

// Frame is one parsed FCP message: a name line followed by Key=Value
// lines, up to the EndMessage terminator.
type Frame struct {
	Name   string
	Fields map[string]string
}

func (f *Frame) get(key string) string { return f.Fields[key] }

func (f *Frame) getInt(key string, def int) int {
	v, ok := f.Fields[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Engine is the subset of *trust.Engine the FCP server dispatches to.
type Engine interface {
	RegisterOwnIdentity(ident *model.Identity) error
	RegisterIdentity(ident *model.Identity) error
	SetTrust(truster, trustee, comment string, value int) error
	RemoveTrust(truster, trustee string) error
}

// Server accepts FCP connections and dispatches frames to the engine,
// store, subscription manager, and introduction subsystem.
type Server struct {
	listener     net.Listener
	engine       Engine
	store        *store.Store
	subscriber   *subscribe.Manager
	introduction *introduction.Subsystem
	limiter      *clientRateLimiter
	log          *slog.Logger
	metrics      *telemetry.Metrics
}

// New builds a Server bound to addr, rate-limiting each client (identified
// by remote IP) to commandsPerMinute dispatched frames. Call Serve to
// start accepting.
func New(addr string, engine Engine, s *store.Store, sub *subscribe.Manager, intro *introduction.Subsystem, commandsPerMinute int, log *slog.Logger, m *telemetry.Metrics) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fcp: listen %s: %w", addr, err)
	}
	return &Server{
		listener:     ln,
		engine:       engine,
		store:        s,
		subscriber:   sub,
		introduction: intro,
		limiter:      newClientRateLimiter(commandsPerMinute),
		log:          log,
		metrics:      m,
	}, nil
}

// clientRateLimiter enforces per-client command throttling over the FCP
// control surface, one token-bucket limiter per remote IP, mirroring
// internal/httpapi's ipRateLimiter.
type clientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newClientRateLimiter(commandsPerMinute int) *clientRateLimiter {
	return &clientRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(commandsPerMinute) / 60.0),
		burst:    commandsPerMinute,
	}
}

func (l *clientRateLimiter) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[client]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[client] = lim
	}
	return lim
}

// clientKey returns the remote IP of conn, stripped of its ephemeral port,
// so repeated connections from the same client share one bucket.
func clientKey(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is cancelled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fcp: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	client := clientKey(conn)
	r := bufio.NewReader(conn)
	for {
		frame, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("fcp: read frame", "error", err)
			}
			return
		}
		if !s.limiter.get(client).Allow() {
			writeErrorFrame(conn, frame.Name, apperr.New(apperr.Transient, "rate limit exceeded, retry later"))
			if s.metrics != nil {
				s.metrics.FCPCommandsTotal.WithLabelValues(frame.Name, "rate_limited").Inc()
			}
			continue
		}
		start := time.Now()
		outcome := "ok"
		spanCtx, span := telemetry.StartSpan(ctx, "fcp."+frame.Name)
		if err := s.dispatch(spanCtx, conn, frame); err != nil {
			outcome = "error"
			span.RecordError(err)
			writeErrorFrame(conn, frame.Name, err)
		}
		span.End()
		if s.metrics != nil {
			s.metrics.FCPCommandsTotal.WithLabelValues(frame.Name, outcome).Inc()
			s.metrics.FCPCommandDur.WithLabelValues(frame.Name).Observe(time.Since(start).Seconds())
		}
	}
}

func readFrame(r *bufio.Reader) (*Frame, error) {
	nameLine, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	f := &Frame{Name: strings.TrimSpace(nameLine), Fields: map[string]string{}}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "EndMessage" {
			return f, nil
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		f.Fields[k] = v
	}
}

func writeFrame(w io.Writer, name string, fields map[string]string) error {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('\n')
	for k, v := range fields {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteString("EndMessage\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func writeErrorFrame(w io.Writer, original string, err error) {
	kind := apperr.KindOf(err)
	_ = writeFrame(w, "Error", map[string]string{
		"OriginalMessage": original,
		"Kind":            string(kind),
		"Description":     err.Error(),
	})
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, f *Frame) error {
	switch f.Name {
	case "Ping":
		return writeFrame(conn, "Pong", nil)
	case "CreateIdentity":
		return s.handleCreateIdentity(conn, f)
	case "AddIdentity":
		return s.handleAddIdentity(conn, f)
	case "GetIdentity":
		return s.handleGetIdentity(conn, f)
	case "GetIdentities":
		return s.handleGetIdentities(conn, f)
	case "SetTrust":
		return s.handleSetTrust(conn, f)
	case "RemoveTrust":
		return s.handleRemoveTrust(conn, f)
	case "GetTrust":
		return s.handleGetTrust(conn, f)
	case "GetTrusts":
		return s.handleGetTrusts(conn, f)
	case "GetScore":
		return s.handleGetScore(conn, f)
	case "GetScores":
		return s.handleGetScores(conn, f)
	case "GetIdentitiesByScore":
		return s.handleGetIdentitiesByScore(conn, f)
	case "Subscribe":
		return s.handleSubscribe(conn, f)
	case "Unsubscribe":
		return s.handleUnsubscribe(conn, f)
	case "GetIntroductionPuzzles":
		return s.handleGetIntroductionPuzzles(ctx, conn, f)
	case "GetIntroductionPuzzle":
		return s.handleGetIntroductionPuzzle(conn, f)
	case "SolveIntroductionPuzzle":
		return s.handleSolveIntroductionPuzzle(ctx, conn, f)
	default:
		return apperr.New(apperr.InvalidParameter, "unknown FCP message %q", f.Name)
	}
}

func (s *Server) handleCreateIdentity(conn net.Conn, f *Frame) error {
	id := f.get("Identity")
	if id == "" {
		return apperr.New(apperr.InvalidParameter, "CreateIdentity requires Identity")
	}
	ident := &model.Identity{
		ID:                       id,
		RequestAddress:           model.RequestAddress{URI: f.get("RequestURI")},
		Nickname:                 f.get("Nickname"),
		Contexts:                 map[string]struct{}{},
		Properties:               map[string]string{},
		CurrentEditionFetchState: model.FetchStateNotFetched,
		CreationDate:             time.Now().UTC(),
		Own: &model.OwnIdentityData{
			InsertAddress:                f.get("InsertURI"),
			PublishesIntroductionPuzzles: f.get("PublishIntroductionPuzzles") == "true",
			PuzzleCount:                  f.getInt("PuzzleCount", 10),
			AutoUpdateTrustList:          f.get("AutoUpdateTrustList") != "false",
		},
	}
	if err := s.engine.RegisterOwnIdentity(ident); err != nil {
		return err
	}
	return writeFrame(conn, "IdentityCreated", map[string]string{"Identity": id})
}

func (s *Server) handleAddIdentity(conn net.Conn, f *Frame) error {
	id := f.get("Identity")
	if id == "" {
		return apperr.New(apperr.InvalidParameter, "AddIdentity requires Identity")
	}
	ident := &model.Identity{
		ID:                       id,
		RequestAddress:           model.RequestAddress{URI: f.get("RequestURI")},
		Contexts:                 map[string]struct{}{},
		Properties:               map[string]string{},
		CurrentEditionFetchState: model.FetchStateNotFetched,
		CreationDate:             time.Now().UTC(),
	}
	if err := s.engine.RegisterIdentity(ident); err != nil {
		return err
	}
	return writeFrame(conn, "IdentityAdded", map[string]string{"Identity": id})
}

func (s *Server) handleGetIdentity(conn net.Conn, f *Frame) error {
	id := f.get("Identity")
	tx := s.store.Begin(false)
	defer tx.Rollback()
	ident, ok := tx.GetIdentity(id)
	if !ok {
		return apperr.New(apperr.UnknownIdentity, "unknown identity %q", id)
	}
	return writeFrame(conn, "Identity", identityFields(ident))
}

func (s *Server) handleGetIdentities(conn net.Conn, f *Frame) error {
	tx := s.store.Begin(false)
	defer tx.Rollback()
	idents := tx.AllIdentities()
	fields := map[string]string{"Identities": strconv.Itoa(len(idents))}
	for i, ident := range idents {
		fields[fmt.Sprintf("Identity%d", i)] = ident.ID
	}
	return writeFrame(conn, "Identities", fields)
}

func (s *Server) handleSetTrust(conn net.Conn, f *Frame) error {
	truster, trustee := f.get("Truster"), f.get("Trustee")
	value, err := strconv.Atoi(f.get("Value"))
	if err != nil {
		return apperr.Wrap(apperr.InvalidParameter, err, "Value must be an integer")
	}
	if err := s.engine.SetTrust(truster, trustee, f.get("Comment"), value); err != nil {
		return err
	}
	return writeFrame(conn, "TrustSet", map[string]string{"Truster": truster, "Trustee": trustee})
}

func (s *Server) handleRemoveTrust(conn net.Conn, f *Frame) error {
	truster, trustee := f.get("Truster"), f.get("Trustee")
	if err := s.engine.RemoveTrust(truster, trustee); err != nil {
		return err
	}
	return writeFrame(conn, "TrustRemoved", map[string]string{"Truster": truster, "Trustee": trustee})
}

func (s *Server) handleGetTrust(conn net.Conn, f *Frame) error {
	truster, trustee := f.get("Truster"), f.get("Trustee")
	tx := s.store.Begin(false)
	defer tx.Rollback()
	tr, ok := tx.GetTrust(truster, trustee)
	if !ok {
		return apperr.New(apperr.NotTrusted, "no trust edge %s@%s", truster, trustee)
	}
	return writeFrame(conn, "Trust", trustFields(tr))
}

func (s *Server) handleGetTrusts(conn net.Conn, f *Frame) error {
	truster := f.get("Truster")
	tx := s.store.Begin(false)
	defer tx.Rollback()
	edges := tx.TrustsByTruster(truster)
	fields := map[string]string{"Trusts": strconv.Itoa(len(edges))}
	for i, tr := range edges {
		fields[fmt.Sprintf("Trustee%d", i)] = tr.Trustee
		fields[fmt.Sprintf("Value%d", i)] = strconv.Itoa(tr.Value)
	}
	return writeFrame(conn, "Trusts", fields)
}

func (s *Server) handleGetScore(conn net.Conn, f *Frame) error {
	truster, trustee := f.get("Truster"), f.get("Trustee")
	tx := s.store.Begin(false)
	defer tx.Rollback()
	sc, ok := tx.GetScore(truster, trustee)
	if !ok {
		return apperr.New(apperr.NotInTrustTree, "no score %s@%s", truster, trustee)
	}
	return writeFrame(conn, "Score", scoreFields(sc))
}

func (s *Server) handleGetScores(conn net.Conn, f *Frame) error {
	truster := f.get("Truster")
	tx := s.store.Begin(false)
	defer tx.Rollback()
	scores := tx.ScoresByTruster(truster)
	fields := map[string]string{"Scores": strconv.Itoa(len(scores))}
	for i, sc := range scores {
		fields[fmt.Sprintf("Trustee%d", i)] = sc.Trustee
		fields[fmt.Sprintf("Value%d", i)] = strconv.Itoa(sc.Value)
		fields[fmt.Sprintf("Rank%d", i)] = strconv.Itoa(sc.Rank)
		fields[fmt.Sprintf("Capacity%d", i)] = strconv.Itoa(sc.Capacity)
	}
	return writeFrame(conn, "Scores", fields)
}

func (s *Server) handleGetIdentitiesByScore(conn net.Conn, f *Frame) error {
	truster := f.get("Truster")
	var sel store.ScoreSelector
	switch f.get("Selector") {
	case "Positive":
		sel = store.ScorePositive
	case "Negative":
		sel = store.ScoreNegative
	default:
		sel = store.ScoreZero
	}
	tx := s.store.Begin(false)
	defer tx.Rollback()
	idents := tx.IdentitiesByScoreSelector(truster, sel)
	fields := map[string]string{"Identities": strconv.Itoa(len(idents))}
	for i, ident := range idents {
		fields[fmt.Sprintf("Identity%d", i)] = ident.ID
	}
	return writeFrame(conn, "IdentitiesByScore", fields)
}

func (s *Server) handleSubscribe(conn net.Conn, f *Frame) error {
	clientID := f.get("ClientID")
	kind := model.SubscriptionKind(f.get("Kind"))
	deliverer := newConnDeliverer(conn)
	id, err := s.subscriber.Subscribe(clientID, kind, deliverer)
	if err != nil {
		return err
	}
	return writeFrame(conn, "Subscribed", map[string]string{"SubscriptionID": id})
}

func (s *Server) handleUnsubscribe(conn net.Conn, f *Frame) error {
	id := f.get("SubscriptionID")
	if err := s.subscriber.Unsubscribe(id); err != nil {
		return err
	}
	return writeFrame(conn, "Unsubscribed", map[string]string{"SubscriptionID": id})
}

func (s *Server) handleGetIntroductionPuzzles(ctx context.Context, conn net.Conn, f *Frame) error {
	ownID := f.get("Identity")
	if err := s.introduction.FetchFromPeers(ctx, ownID); err != nil {
		return err
	}
	p, ok := s.introduction.NextUnsolved()
	if !ok {
		return writeFrame(conn, "IntroductionPuzzles", map[string]string{"Count": "0"})
	}
	return writeFrame(conn, "IntroductionPuzzles", map[string]string{
		"Count":    "1",
		"Puzzle0":  p.ID,
		"MimeType": p.MimeType,
	})
}

func (s *Server) handleGetIntroductionPuzzle(conn net.Conn, f *Frame) error {
	puzzleID := f.get("Puzzle")
	if puzzleID == "" {
		return apperr.New(apperr.InvalidParameter, "GetIntroductionPuzzle requires Puzzle")
	}
	tx := s.store.Begin(false)
	defer tx.Rollback()
	p, ok := tx.GetPuzzle(puzzleID)
	if !ok {
		return apperr.New(apperr.UnknownPuzzle, "unknown puzzle %q", puzzleID)
	}
	return writeFrame(conn, "IntroductionPuzzle", puzzleFields(p))
}

func (s *Server) handleSolveIntroductionPuzzle(ctx context.Context, conn net.Conn, f *Frame) error {
	puzzleID := f.get("Puzzle")
	solution := f.get("Solution")
	solverID := f.get("Identity")
	if err := s.introduction.SolveAndSubmit(ctx, solverID, puzzleID, solution); err != nil {
		return err
	}
	return writeFrame(conn, "PuzzleSolved", map[string]string{"Puzzle": puzzleID})
}

func identityFields(ident *model.Identity) map[string]string {
	fields := map[string]string{
		"Identity":    ident.ID,
		"RequestURI":  ident.RequestAddress.URI,
		"Edition":     strconv.FormatInt(ident.RequestAddress.Edition, 10),
		"Nickname":    ident.Nickname,
		"FetchState":  string(ident.CurrentEditionFetchState),
		"IsOwn":       strconv.FormatBool(ident.IsOwn()),
	}
	return fields
}

func puzzleFields(p *model.IntroductionPuzzle) map[string]string {
	return map[string]string{
		"Puzzle":     p.ID,
		"Inserter":   p.InserterID,
		"Type":       p.Type,
		"MimeType":   p.MimeType,
		"Index":      strconv.Itoa(p.Index),
		"ValidUntil": p.ValidUntil.Format(time.RFC3339),
		"WasSolved":  strconv.FormatBool(p.WasSolved),
	}
}

func trustFields(tr *model.Trust) map[string]string {
	return map[string]string{
		"Truster": tr.Truster,
		"Trustee": tr.Trustee,
		"Value":   strconv.Itoa(tr.Value),
		"Comment": tr.Comment,
	}
}

func scoreFields(sc *model.Score) map[string]string {
	return map[string]string{
		"Truster":  sc.Truster,
		"Trustee":  sc.Trustee,
		"Value":    strconv.Itoa(sc.Value),
		"Rank":     strconv.Itoa(sc.Rank),
		"Capacity": strconv.Itoa(sc.Capacity),
	}
}
