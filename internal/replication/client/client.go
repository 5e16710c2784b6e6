// Package client implements the follower side of replication: dial a
// primary, perform the Hello handshake, stream committed frames into a
// local Injector, and fall back to fetching a full snapshot whenever the
// primary reports NEED_SNAPSHOT or a generation mismatch invalidates
// everything the follower has applied so far.
package client

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/keelsql/keel/internal/replerr"
	"github.com/keelsql/keel/internal/replication/injector"
	"github.com/keelsql/keel/internal/rpc"
	"github.com/keelsql/keel/internal/snapshot"
)

// Backoff controls how long Run waits before retrying after a transient
// error. It grows exponentially from Min up to Max, with jitter so a fleet
// of followers reconnecting after a primary restart doesn't synchronize
// its retries.
type Backoff struct {
	Min, Max time.Duration
	attempt  int
}

// DefaultBackoff matches the interval the teacher's compaction ticker
// already uses at its low end, capped higher since a primary outage is
// expected to last longer than a missed compaction tick.
func DefaultBackoff() Backoff {
	return Backoff{Min: 200 * time.Millisecond, Max: 30 * time.Second}
}

// Next returns the next wait duration and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.Min * time.Duration(1<<uint(min(b.attempt, 16)))
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

// Reset clears the attempt counter after a successful exchange.
func (b *Backoff) Reset() { b.attempt = 0 }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Config configures a follower Client.
type Config struct {
	Namespace    string
	UpstreamAddr string
}

// Client drives one namespace's replication from one upstream primary.
type Client struct {
	cfg      Config
	injector *injector.Injector
	logger   zerolog.Logger

	conn    *grpc.ClientConn
	rpc     *rpc.Client
	session *rpc.HelloResponse
	backoff Backoff
}

// New builds a follower Client. Dial is called lazily by Run.
func New(cfg Config, inj *injector.Injector, logger zerolog.Logger) *Client {
	return &Client{cfg: cfg, injector: inj, logger: logger, backoff: DefaultBackoff()}
}

func (c *Client) dial(ctx context.Context) error {
	conn, err := grpc.DialContext(ctx, c.cfg.UpstreamAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rpc.Codec)),
	)
	if err != nil {
		return replerr.New(replerr.KindTransient, fmt.Errorf("client: dial %s: %w", c.cfg.UpstreamAddr, err))
	}
	c.conn = conn
	c.rpc = rpc.NewClient(conn)
	return nil
}

func (c *Client) hello(ctx context.Context) error {
	resp, err := c.rpc.Hello(ctx, &rpc.HelloRequest{Namespace: c.cfg.Namespace})
	if err != nil {
		return rpc.FromStatus(err)
	}
	c.session = resp
	return nil
}

// Run drives the handshake/replicate/backoff loop until ctx is canceled.
// It never returns nil on its own; the only successful exit is ctx.Err()
// once the caller cancels replication for this namespace.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.runOnce(ctx); err != nil {
			if !replerr.OfKind(err, replerr.KindTransient) && !replerr.OfKind(err, replerr.KindReplicationState) {
				return err
			}
			wait := c.backoff.Next()
			c.logger.Warn().
				Err(err).
				Dur("retry_in", wait).
				Str("namespace", c.cfg.Namespace).
				Msg("replication attempt failed, backing off")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		c.backoff.Reset()
	}
}

// runOnce performs one handshake and then streams frames until the
// primary's stream ends, an error occurs, or ctx is canceled.
func (c *Client) runOnce(ctx context.Context) error {
	if c.conn == nil {
		if err := c.dial(ctx); err != nil {
			return err
		}
	}
	if c.session == nil {
		if err := c.hello(ctx); err != nil {
			return err
		}
	}

	watermark, err := c.injector.Recover()
	if err != nil {
		return err
	}

	if localUUID := c.injector.DatabaseUUID(); localUUID != uuid.Nil {
		primaryUUID, perr := uuid.Parse(c.session.DBUUID)
		if perr != nil {
			return replerr.New(replerr.KindProtocol, fmt.Errorf("client: malformed db_uuid in hello response: %w", perr))
		}
		if primaryUUID != localUUID {
			// DbIncompatible: the primary's identity changed out from under
			// this follower (failover to a different database, or a
			// namespace destroy-and-recreate upstream). Nothing the local
			// replica holds is valid against the new identity; only a full
			// snapshot reset can reconcile it.
			c.logger.Warn().
				Str("local_db_uuid", localUUID.String()).
				Str("primary_db_uuid", c.session.DBUUID).
				Msg("primary database identity changed, resetting from snapshot")
			if err := c.applySnapshot(ctx); err != nil {
				return err
			}
			watermark, err = c.injector.Recover()
			if err != nil {
				return err
			}
		}
	}

	if watermark.AppliedFrameNo > c.session.CurrentFrameNo {
		// AheadOfPrimary: the follower has applied frames past what the
		// primary currently reports, meaning the primary was rewound (e.g.
		// restored from an older backup). The follower's extra history is
		// no longer valid and can only be discarded via a full reset.
		c.logger.Warn().
			Uint64("follower_frame_no", watermark.AppliedFrameNo).
			Uint64("primary_frame_no", c.session.CurrentFrameNo).
			Msg("follower ahead of primary, resetting from snapshot")
		if err := c.applySnapshot(ctx); err != nil {
			return err
		}
		watermark, err = c.injector.Recover()
		if err != nil {
			return err
		}
	}

	if watermark.GenerationID != 0 && watermark.GenerationID != c.session.GenerationID {
		c.logger.Info().
			Uint64("local_generation", watermark.GenerationID).
			Uint64("primary_generation", c.session.GenerationID).
			Msg("generation mismatch, resetting from snapshot")
		if err := c.applySnapshot(ctx); err != nil {
			return err
		}
		watermark, err = c.injector.Recover()
		if err != nil {
			return err
		}
	}

	sctx := rpc.WithSession(ctx, c.cfg.Namespace, c.session.SessionToken)
	recv, err := c.rpc.LogEntries(sctx, &rpc.LogEntriesRequest{
		Namespace:    c.cfg.Namespace,
		SessionToken: c.session.SessionToken,
		SinceFrameNo: watermark.AppliedFrameNo,
		GenerationID: c.session.GenerationID,
	})
	if err != nil {
		return c.classifyStreamError(ctx, err)
	}

	// Frames are buffered until a commit frame (SizeAfter > 0) closes the
	// transaction or the buffer reaches maxBatchBytes. Frames still buffered
	// when the stream ends are dropped; the watermark has not moved past
	// them, so the next LogEntries call asks for them again.
	const maxBatchBytes = 10 << 20 // 10 MiB
	var batch []*rpc.FrameDTO
	batchBytes := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := c.injector.ApplyFrames(c.session.GenerationID, batch); err != nil {
			return err
		}
		batch = batch[:0]
		batchBytes = 0
		return nil
	}

	for {
		fr, err := recv.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return c.classifyStreamError(ctx, err)
		}
		batch = append(batch, fr)
		batchBytes += len(fr.Data)
		if fr.SizeAfter > 0 || batchBytes >= maxBatchBytes {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// classifyStreamError turns a gRPC stream error into a replerr.Error and
// handles the two replication-state signals that require a specific
// corrective action rather than a plain retry.
func (c *Client) classifyStreamError(ctx context.Context, err error) error {
	re := rpc.FromStatus(err)
	switch {
	case re.Code == replerr.CodeNeedSnapshot:
		return c.applySnapshot(ctx)
	case re.Code == replerr.CodeSessionTokenMismatch, re.Code == replerr.CodeNoHello:
		c.session = nil
		return re
	case re.Code == replerr.CodeGenerationMismatch:
		c.session = nil
		return re
	default:
		return re
	}
}

// applySnapshot fetches and applies the primary's newest snapshot, the
// recovery path taken when LogEntries reports NEED_SNAPSHOT or a
// generation bump invalidates the follower's prior history.
func (c *Client) applySnapshot(ctx context.Context) error {
	watermark, err := c.injector.Recover()
	if err != nil {
		return err
	}

	sctx := rpc.WithSession(ctx, c.cfg.Namespace, c.session.SessionToken)
	recv, err := c.rpc.Snapshot(sctx, &rpc.SnapshotRequest{
		Namespace:    c.cfg.Namespace,
		SessionToken: c.session.SessionToken,
		NextOffset:   watermark.AppliedFrameNo,
	})
	if err != nil {
		return rpc.FromStatus(err)
	}

	var payload []byte
	var meta snapshot.Meta
	for {
		chunk, err := recv.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rpc.FromStatus(err)
		}
		if chunk.PageSize != 0 {
			meta.StartFrameNo = chunk.StartFrameNo
			meta.EndFrameNo = chunk.EndFrameNo
			meta.PageSize = chunk.PageSize
			meta.SizeAfterPages = chunk.SizeAfterPages
		}
		payload = append(payload, chunk.Data...)
	}
	if meta.PageSize == 0 {
		return replerr.New(replerr.KindProtocol, fmt.Errorf("client: snapshot stream carried no metadata"))
	}

	dbUUID, perr := uuid.Parse(c.session.DBUUID)
	if perr == nil {
		meta.DBUUID = dbUUID
	}

	pages, err := injector.DecodeSnapshotPages(payload, meta.PageSize)
	if err != nil {
		return replerr.New(replerr.KindProtocol, err)
	}
	if _, err := c.injector.ApplySnapshot(c.session.GenerationID, meta, pages); err != nil {
		return err
	}
	c.logger.Info().
		Str("namespace", c.cfg.Namespace).
		Uint64("end_frame_no", meta.EndFrameNo).
		Msg("applied snapshot from primary")
	return nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
