package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/flashbots/ledger-router/attestation"
	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/ledger"
	"github.com/flashbots/ledger-router/metrics"
	"github.com/flashbots/ledger-router/protocol"
	"golang.org/x/sync/errgroup"
)

// DefaultAuthRetries is how many times Query re-authenticates and resubmits
// shards that answered AuthenticationError.
const DefaultAuthRetries = 1

// ErrNoShards is returned by Query when the router lists no shards.
var ErrNoShards = errors.New("router has no registered shards")

// Config configures a Client.
type Config struct {
	RouterURL string
	// Verifier checks each shard's handshake evidence. Nil accepts shards
	// without evidence.
	Verifier    *attestation.Verifier
	HTTPClient  *http.Client
	AuthRetries int
	Log         *slog.Logger
}

// Client queries the ledger through a router. It holds one end-to-end
// channel per shard; the router only ever sees ciphertext.
type Client struct {
	cfg      Config
	api      *routerAPI
	identity *crypto.Identity
	tracker  *ledger.FreshnessTracker
	log      *slog.Logger

	mu       sync.Mutex
	shards   []protocol.ShardInfo
	channels map[string]*crypto.Channel
}

// Result is the merged answer to a Query.
type Result struct {
	Results []ledger.QueryResult
	// Outcomes holds the final outcome kind for every listed shard.
	Outcomes map[string]protocol.OutcomeKind
	// Anomalies lists freshness regressions observed in this response.
	Anomalies []ledger.FreshnessAnomaly
}

// New creates a client with a fresh ephemeral identity.
func New(cfg Config) (*Client, error) {
	if cfg.RouterURL == "" {
		return nil, errors.New("router url is required")
	}
	if cfg.AuthRetries <= 0 {
		cfg.AuthRetries = DefaultAuthRetries
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	_, sk, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating client key: %w", err)
	}
	identity, err := crypto.NewIdentity(sk, 0)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:      cfg,
		api:      &routerAPI{baseURL: cfg.RouterURL, client: httpClient},
		identity: identity,
		tracker:  ledger.NewFreshnessTracker(),
		log:      log,
		channels: make(map[string]*crypto.Channel),
	}, nil
}

// Refresh reloads the shard list from the router. Channels to shards that
// were removed, or whose identity changed, are dropped.
func (c *Client) Refresh(ctx context.Context) error {
	list, err := c.api.shards(ctx)
	if err != nil {
		return fmt.Errorf("listing shards: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := make(map[string]crypto.PublicKey, len(list.Shards))
	for _, s := range list.Shards {
		current[s.URI] = s.IdentityKey
	}
	for _, old := range c.shards {
		key, ok := current[old.URI]
		if ok && key.Equal(old.IdentityKey) {
			continue
		}
		c.dropLocked(old.URI)
		c.tracker.Forget(old.URI)
	}
	c.shards = list.Shards

	c.log.Debug("shard list refreshed", "shards", len(list.Shards))
	return nil
}

// Shards returns the shard list from the last Refresh.
func (c *Client) Shards() []protocol.ShardInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.shards)
}

// Authenticate establishes a new channel with a listed shard, relaying the
// handshake through the router. The shard must present the identity key
// the router listed and, if a verifier is set, valid evidence.
func (c *Client) Authenticate(ctx context.Context, uri string) error {
	info, ok := c.shardInfo(uri)
	if !ok {
		return fmt.Errorf("shard %s is not listed", uri)
	}

	data, err := json.Marshal(&protocol.HandshakeData{Role: protocol.RoleClient})
	if err != nil {
		return err
	}
	init, msg1, err := crypto.NewInitiator(c.identity, data)
	if err != nil {
		return err
	}

	resp, err := c.api.auth(ctx, &protocol.AuthRequest{ShardURI: uri, Message: msg1})
	if err != nil {
		return err
	}

	ch, peer, err := init.Finish(resp.Message)
	if err != nil {
		return err
	}
	if err := c.verifyPeer(info, peer); err != nil {
		ch.Close()
		metrics.Handshakes.WithLabelValues("client", "rejected").Inc()
		return &crypto.HandshakeError{Err: err}
	}

	c.mu.Lock()
	c.dropLocked(uri)
	c.channels[uri] = ch
	c.mu.Unlock()

	metrics.Handshakes.WithLabelValues("client", "ok").Inc()
	c.log.Debug("shard authenticated", "shard", uri, "channel", ch.IDString())
	return nil
}

func (c *Client) verifyPeer(info protocol.ShardInfo, peer *crypto.Peer) error {
	if !info.IdentityKey.Equal(peer.IdentityKey) {
		return fmt.Errorf("shard identity %s does not match listed %s", peer.IdentityKey, info.IdentityKey)
	}

	var data protocol.HandshakeData
	if len(peer.Data) > 0 {
		if err := json.Unmarshal(peer.Data, &data); err != nil {
			return fmt.Errorf("decoding handshake data: %w", err)
		}
	}
	return c.cfg.Verifier.VerifySession(peer.StaticKey, peer.IdentityKey, data.Evidence)
}

func (c *Client) shardInfo(uri string) (protocol.ShardInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := slices.IndexFunc(c.shards, func(s protocol.ShardInfo) bool { return s.URI == uri })
	if idx < 0 {
		return protocol.ShardInfo{}, false
	}
	return c.shards[idx], true
}

func (c *Client) channel(uri string) *crypto.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[uri]
}

func (c *Client) drop(uri string, ch *crypto.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[uri] == ch {
		c.dropLocked(uri)
	}
}

func (c *Client) dropLocked(uri string) {
	if ch, ok := c.channels[uri]; ok {
		ch.Close()
		delete(c.channels, uri)
	}
}

// authenticateAll authenticates the given shards concurrently and returns
// the ones that succeeded, in input order.
func (c *Client) authenticateAll(ctx context.Context, uris []string) []string {
	ok := make([]bool, len(uris))

	g, gctx := errgroup.WithContext(ctx)
	for i, uri := range uris {
		g.Go(func() error {
			if err := c.Authenticate(gctx, uri); err != nil {
				c.log.Warn("shard authentication failed", "shard", uri, "err", err)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	g.Wait()

	var out []string
	for i, uri := range uris {
		if ok[i] {
			out = append(out, uri)
		}
	}
	return out
}

// Query looks up keys on every listed shard and merges the answers.
// Shards that answer AuthenticationError, or whose handshake failed, are
// re-authenticated and asked again up to AuthRetries times. It fails with
// ledger.ErrInsufficientCoverage when no shard answered.
func (c *Client) Query(ctx context.Context, keys []protocol.Key) (*Result, error) {
	if len(c.Shards()) == 0 {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	shards := c.Shards()
	if len(shards) == 0 {
		return nil, ErrNoShards
	}

	outcomes := make(map[string]protocol.OutcomeKind, len(shards))
	successes := make(map[string]*protocol.SubResponse, len(shards))

	var missing []string
	for _, s := range shards {
		outcomes[s.URI] = protocol.OutcomeAuthenticationError
		if c.channel(s.URI) == nil {
			missing = append(missing, s.URI)
		}
	}
	c.authenticateAll(ctx, missing)

	// failed holds shards without a channel; they stay AuthenticationError
	// unless a later handshake succeeds
	var pending, failed []string
	for _, s := range shards {
		if c.channel(s.URI) != nil {
			pending = append(pending, s.URI)
		} else {
			failed = append(failed, s.URI)
		}
	}

	for attempt := 0; ; attempt++ {
		var retry []string
		if len(pending) > 0 {
			var err error
			if retry, err = c.submit(ctx, keys, pending, outcomes, successes); err != nil {
				return nil, err
			}
		}
		retry = append(retry, failed...)
		if len(retry) == 0 || attempt >= c.cfg.AuthRetries {
			break
		}
		c.log.Info("re-authenticating shards", "shards", retry, "attempt", attempt+1)
		pending = c.authenticateAll(ctx, retry)
		failed = slices.DeleteFunc(retry, func(uri string) bool {
			return slices.Contains(pending, uri)
		})
	}

	result := &Result{Outcomes: outcomes}

	result.Anomalies = c.tracker.Observe(successes)
	for _, a := range result.Anomalies {
		scope := "set"
		if a.ShardURI != "" {
			scope = "shard"
		}
		metrics.FreshnessAnomalies.WithLabelValues(scope).Inc()
		c.log.Warn("freshness anomaly", "anomaly", a.String())
	}

	merged, err := ledger.Merge(keys, successes)
	if err != nil {
		return result, err
	}
	result.Results = merged
	return result, nil
}

// submit sends one routed request to the pending shards and records what
// they answered. It returns the shards that need re-authentication.
func (c *Client) submit(ctx context.Context, keys []protocol.Key, pending []string, outcomes map[string]protocol.OutcomeKind, successes map[string]*protocol.SubResponse) ([]string, error) {
	plaintext, err := protocol.EncodeSubRequest(&protocol.SubRequest{Keys: keys})
	if err != nil {
		return nil, err
	}

	channels := make(map[string]*crypto.Channel, len(pending))
	req := &protocol.MultiShardRequest{}
	for _, uri := range pending {
		ch := c.channel(uri)
		if ch == nil {
			continue
		}
		env, err := ch.Encrypt(nil, plaintext)
		if err != nil {
			c.drop(uri, ch)
			continue
		}
		channels[uri] = ch
		req.Queries = append(req.Queries, protocol.ShardQuery{ShardURI: uri, Envelope: env})
	}

	resp, err := c.api.query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submitting query: %w", err)
	}

	var retry []string
	answered := make(map[string]bool, len(resp.Outcomes))
	for _, o := range resp.Outcomes {
		ch, ok := channels[o.ShardURI]
		if !ok {
			continue
		}
		answered[o.ShardURI] = true
		outcomes[o.ShardURI] = o.Kind

		switch o.Kind {
		case protocol.OutcomeSuccess:
			sub, err := c.open(ch, o.Envelope)
			if err != nil {
				metrics.ProtocolViolations.WithLabelValues("client_decode").Inc()
				c.log.Error("protocol_violation", "shard", o.ShardURI, "err", err)
				outcomes[o.ShardURI] = protocol.OutcomeInvalidArgument
				continue
			}
			successes[o.ShardURI] = sub
		case protocol.OutcomeAuthenticationError:
			c.drop(o.ShardURI, ch)
			retry = append(retry, o.ShardURI)
		case protocol.OutcomeNotReady, protocol.OutcomeInvalidArgument:
			c.log.Debug("shard did not answer", "shard", o.ShardURI, "kind", o.Kind.String())
		default:
			outcomes[o.ShardURI] = protocol.OutcomeInvalidArgument
		}
	}

	// the router's registry changed since the last Refresh
	for uri := range channels {
		if !answered[uri] {
			outcomes[uri] = protocol.OutcomeNotReady
		}
	}

	return retry, nil
}

// open decrypts a shard reply. Keys the shard left out are counted as
// errors by the merge.
func (c *Client) open(ch *crypto.Channel, env *crypto.Envelope) (*protocol.SubResponse, error) {
	if env == nil {
		return nil, errors.New("success without envelope")
	}
	plaintext, err := ch.Decrypt(env)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeSubResponse(plaintext)
}

// Close drops every channel.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uri := range c.channels {
		c.dropLocked(uri)
	}
	c.identity.Wipe()
}
