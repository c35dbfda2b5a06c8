package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/inference-sim/plancache/sim"
)

// Key layout. Agent ids never contain NUL, so the separator keeps each agent's
// keys contiguous and unambiguous under byte ordering.
//
//	c<agent>\x00<plan id, 8B big-endian>  content blob
//	m<agent>\x00<plan id, 8B big-endian>  metadata record
//	s/plan-id                             plan id sequence
//	s/insert                              insertion order sequence
const (
	prefixContent  byte = 'c'
	prefixMeta     byte = 'm'
	agentSeparator byte = 0x00
	planIDSize          = 8
)

var (
	seqPlanIDKey = []byte("s/plan-id")
	seqInsertKey = []byte("s/insert")
)

func planKey(prefix byte, agent sim.AgentID, plan sim.PlanID) []byte {
	k := make([]byte, 0, 2+len(agent)+planIDSize)
	k = append(k, prefix)
	k = append(k, agent...)
	k = append(k, agentSeparator)
	return binary.BigEndian.AppendUint64(k, uint64(plan))
}

func agentPrefix(prefix byte, agent sim.AgentID) []byte {
	k := make([]byte, 0, 2+len(agent))
	k = append(k, prefix)
	k = append(k, agent...)
	return append(k, agentSeparator)
}

// splitPlanKey parses a content or metadata key.
func splitPlanKey(key []byte) (sim.AgentID, sim.PlanID, error) {
	if len(key) < 2+planIDSize || key[len(key)-planIDSize-1] != agentSeparator {
		return "", 0, fmt.Errorf("malformed plan key %q", key)
	}
	agent := key[1 : len(key)-planIDSize-1]
	if bytes.IndexByte(agent, agentSeparator) >= 0 {
		return "", 0, fmt.Errorf("malformed plan key %q", key)
	}
	return sim.AgentID(agent), sim.PlanID(binary.BigEndian.Uint64(key[len(key)-planIDSize:])), nil
}

func validAgentID(agent sim.AgentID) error {
	if agent == "" {
		return fmt.Errorf("agent id is empty")
	}
	if bytes.IndexByte([]byte(agent), agentSeparator) >= 0 {
		return fmt.Errorf("agent id %q contains NUL", agent)
	}
	return nil
}

// Metadata record (big-endian, 26 bytes):
//
//	[1B version][8B score bits][8B iteration][1B flags][8B insertion seq]
//
// An undefined score sets metaFlagUndefinedScore and zeroes the score field;
// NaN is never written. Every other float64, infinities included, is stored as is.
const (
	metaVersion            byte = 1
	metaRecordSize              = 26
	metaFlagSelected       byte = 1 << 0
	metaFlagUndefinedScore byte = 1 << 1
)

type metaRecord struct {
	meta sim.PlanMeta
	seq  uint64
}

func encodeMeta(r metaRecord) []byte {
	score := r.meta.Score
	var flags byte
	if sim.IsUndefinedScore(score) {
		score = 0
		flags |= metaFlagUndefinedScore
	}
	if r.meta.Selected {
		flags |= metaFlagSelected
	}
	b := make([]byte, 0, metaRecordSize)
	b = append(b, metaVersion)
	b = binary.BigEndian.AppendUint64(b, math.Float64bits(score))
	b = binary.BigEndian.AppendUint64(b, uint64(int64(r.meta.Iteration)))
	b = append(b, flags)
	return binary.BigEndian.AppendUint64(b, r.seq)
}

func decodeMeta(b []byte) (metaRecord, error) {
	if len(b) != metaRecordSize {
		return metaRecord{}, fmt.Errorf("%w: metadata record is %d bytes, want %d", sim.ErrCodec, len(b), metaRecordSize)
	}
	if b[0] != metaVersion {
		return metaRecord{}, fmt.Errorf("%w: metadata version %d, want %d", sim.ErrCodec, b[0], metaVersion)
	}
	score := math.Float64frombits(binary.BigEndian.Uint64(b[1:9]))
	if b[17]&metaFlagUndefinedScore != 0 {
		score = sim.UndefinedScore()
	}
	return metaRecord{
		meta: sim.PlanMeta{
			Score:     score,
			Iteration: int(int64(binary.BigEndian.Uint64(b[9:17]))),
			Selected:  b[17]&metaFlagSelected != 0,
		},
		seq: binary.BigEndian.Uint64(b[18:26]),
	}, nil
}
