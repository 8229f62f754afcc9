package settlement

import (
	"encoding/binary"
	"fmt"

	"github.com/spacemeshos/merkle-tree"
	"github.com/zeebo/blake3"

	"github.com/sweatpool/sweatpool/types"
)

// WinnerLeaf is the membership tree leaf of a winner: blake3(athlete id || payout address).
func WinnerLeaf(reg types.Registration) []byte {
	hasher := blake3.New()
	_, _ = hasher.Write([]byte{0x00})
	_, _ = hasher.Write(binary.BigEndian.AppendUint64(nil, reg.AthleteID))
	_, _ = hasher.Write([]byte(reg.PayoutAddress))
	return hasher.Sum(nil)
}

// hashWinnersNode calculates an internal node of the winners merkle tree.
func hashWinnersNode(buf, lChild, rChild []byte) []byte {
	hasher := blake3.New()
	_, _ = hasher.Write([]byte{0x01})
	_, _ = hasher.Write(lChild)
	_, _ = hasher.Write(rChild)
	return hasher.Sum(buf)
}

// WinnersRoot commits to the ordered list of winners a settlement pays.
// It is nil when there are no winners.
func WinnersRoot(winners []types.Registration) ([]byte, error) {
	if len(winners) == 0 {
		return nil, nil
	}
	tree, err := merkle.NewTreeBuilder().
		WithHashFunc(hashWinnersNode).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize merkle tree: %w", err)
	}
	for _, w := range winners {
		if err := tree.AddLeaf(WinnerLeaf(w)); err != nil {
			return nil, fmt.Errorf("adding athlete %d to winners tree: %w", w.AthleteID, err)
		}
	}
	return tree.Root(), nil
}
