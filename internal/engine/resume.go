package engine

import (
	"fmt"

	"github.com/loquilex/loquilex/internal/commitlog"
	"github.com/loquilex/loquilex/internal/metrics"
	"github.com/loquilex/loquilex/internal/protocol"
)

// doResume runs the resume protocol on the engine goroutine. On success the
// connection receives session.snapshot, a byte-exact replay of everything
// after last_seq, and a session.ack marking the switch to live fan-out. On
// failure it receives session.new (restart required) or server.error
// (protocol violation) and is drained.
func (e *Engine) doResume(c *conn, r protocol.ResumeData) {
	if r.SessionID != "" && r.SessionID != e.cfg.SID {
		e.rejectResume(c, protocol.ReasonUnknownSession)
		return
	}
	if r.Epoch != e.cfg.Epoch {
		e.rejectResume(c, protocol.ReasonEpochMismatch)
		return
	}

	latest := e.latest.Load()
	if r.LastSeq > latest {
		metrics.ResumeRejected("seq_ahead")
		e.sendErrorAndClose(c, protocol.NewError(protocol.CodeInvalidMessage,
			fmt.Sprintf("resume last_seq %d beyond latest seq %d", r.LastSeq, latest)),
			"protocol_violation")
		return
	}

	// A client already at the live edge needs no replay entries, so a
	// TTL-pruned buffer is not a gap for it. Anyone behind the edge needs
	// the window to still cover last_seq+1.
	if r.LastSeq < latest {
		earliest := e.buffer.EarliestSeq()
		if earliest == 0 || r.LastSeq+1 < earliest {
			e.rejectResume(c, protocol.ReasonResumeGap)
			return
		}
	}

	// A resuming client already holds everything up to last_seq; its window
	// accounting restarts from there rather than from zero.
	c.lastDelivered.Store(r.LastSeq)
	c.lastAck.Store(r.LastSeq)
	c.state = stateResuming
	c.resuming.Store(true)
	c.resumeCursor = r.LastSeq
	c.resumeTarget = latest

	e.sendSnapshot(c, latest)
	e.pumpReplay(c)
}

// pumpReplay advances a resuming connection's catch-up. The replay window
// can be wider than the outbound queue, so entries are fed in queue-sized
// slices: each client ack frees queue room and re-invokes the pump. Once the
// cursor reaches the live edge the replay is sealed with session.ack and the
// connection joins live fan-out. Engine goroutine only.
func (e *Engine) pumpReplay(c *conn) {
	if c.state != stateResuming {
		return
	}
	for {
		// Envelopes published during catch-up were not fanned out to this
		// connection; they are in the replay buffer, so the target follows
		// the live edge until the client arrives gapless.
		if latest := e.latest.Load(); latest > c.resumeTarget {
			c.resumeTarget = latest
		}
		if c.resumeCursor >= c.resumeTarget {
			break
		}
		room := c.out.Capacity() - c.out.Len()
		if room <= 0 {
			return // the next ack reopens room
		}
		entries, err := e.buffer.RangeAfterN(c.resumeCursor, room)
		if err != nil || len(entries) == 0 {
			// The retention window moved past the cursor mid-replay.
			e.rejectResume(c, protocol.ReasonResumeGap)
			return
		}
		for _, entry := range entries {
			e.offer(c, frame{bytes: entry.Bytes, typ: "replay", seq: entry.Seq, hasSeq: true})
			if c.state != stateResuming {
				return // offer closed the connection
			}
			c.resumeCursor = entry.Seq
			c.resumeReplayed++
		}
	}

	// Seal only when the ack itself has room; otherwise the next client ack
	// retries.
	if c.out.Capacity()-c.out.Len() < 1 {
		return
	}
	e.sendOOB(c, protocol.TypeSessionAck, "", protocol.MustData(protocol.SessionAckData{
		LastSeq:  c.resumeTarget,
		Replayed: c.resumeReplayed,
	}))
	if c.state != stateResuming {
		return
	}
	c.state = stateActive
	c.resuming.Store(false)

	metrics.ResumeServed(c.resumeReplayed)
	e.logger.Info().
		Str("conn_id", c.id).
		Uint64("latest", c.resumeTarget).
		Int("replayed", c.resumeReplayed).
		Msg("Session resumed")
}

func (e *Engine) rejectResume(c *conn, reason string) {
	metrics.ResumeRejected(reason)
	e.logger.Info().Str("conn_id", c.id).Str("reason", reason).Msg("Resume rejected")
	e.sendOOB(c, protocol.TypeSessionNew, "", protocol.MustData(protocol.SessionNewData{
		Reason: reason,
	}))
	e.closeConn(c, nil, "resume_rejected")
}

// sendSnapshot emits the session.snapshot envelope. Its identity fields are
// derived from session state rather than minted, so two resumes against an
// unchanged session produce byte-identical snapshots.
func (e *Engine) sendSnapshot(c *conn, latest uint64) {
	data := e.buildSnapshotData(latest, 0)
	env := &protocol.Envelope{
		V:       protocol.Version,
		T:       protocol.TypeSnapshot,
		SID:     e.cfg.SID,
		ID:      fmt.Sprintf("snapshot-%d", latest),
		TMonoNS: uint64(e.lastAssigned),
		Data:    protocol.MustData(data),
	}
	b, err := protocol.Encode(env, e.cfg.MaxMsgBytes)
	// When the retained commits outgrow the envelope budget, shed oldest
	// commits until the snapshot fits; replay still carries recent history.
	trim := 16
	for err != nil && trim > 1 {
		data = e.buildSnapshotData(latest, trim)
		env.Data = protocol.MustData(data)
		b, err = protocol.Encode(env, e.cfg.MaxMsgBytes)
		trim /= 2
	}
	if err != nil {
		e.logger.Error().Err(err).Msg("Snapshot does not fit in envelope budget")
		e.sendErrorAndClose(c, protocol.NewError(protocol.CodeInternal, "snapshot too large"), "internal_error")
		return
	}
	e.offer(c, frame{bytes: b, typ: protocol.TypeSnapshot})
}

// buildSnapshotData assembles the snapshot payload from the commit log and
// the in-progress partials. limit > 0 keeps only the newest limit commits of
// each kind.
func (e *Engine) buildSnapshotData(latest uint64, limit int) protocol.SnapshotData {
	data := protocol.SnapshotData{
		CurrentSeq:           latest,
		FinalizedTranscript:  snapshotCommits(e.commits.Query(commitlog.Query{Types: []string{protocol.CommitTranscript}}), limit),
		FinalizedTranslation: snapshotCommits(e.commits.Query(commitlog.Query{Types: []string{protocol.CommitTranslation}}), limit),
		ActivePartials:       e.activePartials(),
	}
	statuses := e.commits.Query(commitlog.Query{Types: []string{protocol.CommitStatus}})
	if len(statuses) > 0 {
		last := statuses[len(statuses)-1]
		data.Status = &protocol.SnapshotCommit{
			ID: last.ID, Seq: last.Seq, TMonoNS: last.TMonoNS, Data: last.Data,
		}
	}
	return data
}

func snapshotCommits(records []commitlog.Record, limit int) []protocol.SnapshotCommit {
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]protocol.SnapshotCommit, len(records))
	for i, r := range records {
		out[i] = protocol.SnapshotCommit{ID: r.ID, Seq: r.Seq, TMonoNS: r.TMonoNS, Data: r.Data}
	}
	return out
}
