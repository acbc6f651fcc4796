// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drop

import (
	"encoding/json"
	"time"

	"github.com/10thfloor/dropcoord/kvstore"
	"github.com/10thfloor/dropcoord/lottery"
)

// ProofResult is the getLotteryProof response. Before the draw only the
// commitment is public; the secret stays sealed in the drop state.
type ProofResult struct {
	Commitment string         `json:"commitment"`
	Proof      *lottery.Proof `json:"proof,omitempty"`
}

// LotteryProof returns the commitment, plus the full proof once the
// draw has happened.
func (s *Service) LotteryProof(dropID string) (*ProofResult, error) {
	st, err := s.mustLoad(dropID)
	if err != nil {
		return nil, err
	}
	if st.LotteryCommitment == "" {
		return nil, Errorf(500, "drop %s has no lottery commitment", dropID)
	}
	return &ProofResult{Commitment: st.LotteryCommitment, Proof: st.Proof}, nil
}

// InclusionResult carries a participant's Merkle inclusion proof. The
// proof is verified server-side before it is returned.
type InclusionResult struct {
	Leaf       lottery.Leaf `json:"leaf"`
	LeafHash   string       `json:"leafHash"`
	Proof      []string     `json:"proof"`
	MerkleRoot string       `json:"merkleRoot"`
	Verified   bool         `json:"verified"`
}

// InclusionProof rebuilds the participant tree and proves the user's
// leaf against the committed root.
func (s *Service) InclusionProof(dropID, userID string) (*InclusionResult, error) {
	st, err := s.mustLoad(dropID)
	if err != nil {
		return nil, err
	}
	if st.Proof == nil {
		return nil, Errorf(409, "lottery has not run for drop %s", dropID)
	}

	entries := lottery.CanonicalEntries(s.effectiveTickets(st))
	index := -1
	for i, e := range entries {
		if e.UserID == userID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, Errorf(404, "user %s is not a participant", userID)
	}

	tree := lottery.NewMerkleTree(lottery.BuildLeaves(entries))
	path, err := tree.Prove(index)
	if err != nil {
		return nil, err
	}
	leaf := tree.Leaves()[index]
	leafHash := lottery.LeafHash(leaf)
	root := tree.RootHex()
	if root != st.Proof.ParticipantMerkleRoot {
		return nil, Errorf(500, "rebuilt merkle root does not match committed root")
	}
	return &InclusionResult{
		Leaf:       leaf,
		LeafHash:   leafHash,
		Proof:      path,
		MerkleRoot: root,
		Verified:   lottery.VerifyInclusion(leafHash, index, path, root),
	}, nil
}

// PublicState is the drop projection served to clients.
type PublicState struct {
	DropID            string   `json:"dropId"`
	Phase             string   `json:"phase"`
	ParticipantCount  int      `json:"participantCount"`
	TotalTickets      int64    `json:"totalTickets"`
	Inventory         int64    `json:"inventory"`
	InitialInventory  int64    `json:"initialInventory"`
	RegistrationStart int64    `json:"registrationStart"`
	RegistrationEnd   int64    `json:"registrationEnd"`
	PurchaseWindow    int64    `json:"purchaseWindow"`
	PurchaseEnd       int64    `json:"purchaseEnd,omitempty"`
	LotteryCommitment string   `json:"lotteryCommitment"`
	Winners           []string `json:"winners,omitempty"`
	BackupWinners     []string `json:"backupWinners,omitempty"`
	ExpiredWinners    []string `json:"expiredWinners,omitempty"`
	HasGeoFence       bool     `json:"hasGeoFence"`
	GeoMode           string   `json:"geoMode,omitempty"`
	ServerTime        int64    `json:"serverTime"`
}

// GetState returns the public projection of the drop.
func (s *Service) GetState(dropID string) (*PublicState, error) {
	st, err := s.mustLoad(dropID)
	if err != nil {
		return nil, err
	}
	ps := &PublicState{
		DropID:            st.DropID,
		Phase:             st.Phase,
		ParticipantCount:  len(st.ParticipantTickets),
		TotalTickets:      st.totalTickets(),
		Inventory:         st.Inventory,
		InitialInventory:  st.InitialInventory,
		RegistrationStart: st.RegistrationStart,
		RegistrationEnd:   st.RegistrationEnd,
		PurchaseWindow:    st.PurchaseWindowSecs,
		PurchaseEnd:       st.PurchaseEnd,
		LotteryCommitment: st.LotteryCommitment,
		Winners:           st.Winners,
		BackupWinners:     st.BackupWinners,
		ExpiredWinners:    st.ExpiredWinners,
		HasGeoFence:       st.GeoFence != nil,
		ServerTime:        time.Now().UnixMilli(),
	}
	if st.GeoFence != nil {
		ps.GeoMode = st.GeoFence.Mode
	}
	return ps, nil
}

// ListDrops enumerates the drops index, which only holds drops that
// have not completed.
func (s *Service) ListDrops() ([]IndexEntry, error) {
	var out []IndexEntry
	err := s.store.ForEachPrefix(kvstore.BucketDropsIndex, "", func(key string, raw []byte) error {
		var e IndexEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}
