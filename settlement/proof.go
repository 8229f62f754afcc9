package settlement

import (
	"bytes"
	"fmt"

	"github.com/spacemeshos/go-scale"
	"github.com/spacemeshos/merkle-tree"

	"github.com/sweatpool/sweatpool/store"
	"github.com/sweatpool/sweatpool/types"
)

// A winners tree of 2^maxProofNodes leaves cannot be built, so no proof
// needs more nodes than that.
const (
	maxProofNodes  = 64
	nodeSize       = 32
	maxAddressSize = 256
)

// WinnerProof proves that an athlete is a member of the winners tree of a settlement.
// Scale encoding is implemented by hand to limit the size of the slices.
type WinnerProof struct {
	Root          []byte
	Index         uint64 // position of the athlete among the winners
	AthleteID     uint64
	PayoutAddress string
	ProofNodes    [][]byte
}

func (p *WinnerProof) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, p.Root, nodeSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, p.Index)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, p.AthleteID)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, []byte(p.PayoutAddress), maxAddressSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeLen(enc, uint32(len(p.ProofNodes)), maxProofNodes)
		if err != nil {
			return total, fmt.Errorf("EncodeLen failed: %w", err)
		}
		total += n
		for _, node := range p.ProofNodes {
			n, err := scale.EncodeByteSliceWithLimit(enc, node, nodeSize)
			if err != nil {
				return total, fmt.Errorf("EncodeByteSliceWithLimit failed: %w", err)
			}
			total += n
		}
	}
	return total, nil
}

func (p *WinnerProof) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, nodeSize)
		if err != nil {
			return total, err
		}
		total += n
		p.Root = field
	}
	{
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		p.Index = field
	}
	{
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		p.AthleteID = field
	}
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, maxAddressSize)
		if err != nil {
			return total, err
		}
		total += n
		p.PayoutAddress = string(field)
	}
	{
		length, n, err := scale.DecodeLen(dec, maxProofNodes)
		if err != nil {
			return total, fmt.Errorf("DecodeLen failed: %w", err)
		}
		total += n
		p.ProofNodes = nil
		for i := uint32(0); i < length; i++ {
			node, n, err := scale.DecodeByteSliceWithLimit(dec, nodeSize)
			if err != nil {
				return total, fmt.Errorf("DecodeByteSlice failed: %w", err)
			}
			total += n
			p.ProofNodes = append(p.ProofNodes, node)
		}
	}
	return total, nil
}

// Bytes returns the scale encoding of the proof.
func (p *WinnerProof) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := p.EncodeScale(scale.NewEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("encoding winner proof: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWinnerProof parses a proof produced by WinnerProof.Bytes.
func DecodeWinnerProof(data []byte) (*WinnerProof, error) {
	var p WinnerProof
	if _, err := p.DecodeScale(scale.NewDecoder(bytes.NewReader(data))); err != nil {
		return nil, fmt.Errorf("decoding winner proof: %w", err)
	}
	return &p, nil
}

// ProveWinner builds the membership proof of a paid athlete against the
// winners root recorded when the challenge was settled.
func (e *Engine) ProveWinner(r store.Reader, key types.Key, athleteID uint64) (*WinnerProof, error) {
	rec, err := e.Settlement(r, key)
	if err != nil {
		return nil, err
	}
	winners, err := e.ledger.Winners(r, key)
	if err != nil {
		return nil, err
	}
	index := -1
	for i, w := range winners {
		if w.AthleteID == athleteID {
			index = i
			break
		}
	}
	if index < 0 {
		if _, err := e.ledger.Registration(r, key, athleteID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: athlete %d in %s", types.ErrNotWinner, athleteID, key)
	}

	tree, err := merkle.NewTreeBuilder().
		WithHashFunc(hashWinnersNode).
		WithLeavesToProve(map[uint64]bool{uint64(index): true}).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize merkle tree: %w", err)
	}
	for _, w := range winners {
		if err := tree.AddLeaf(WinnerLeaf(w)); err != nil {
			return nil, fmt.Errorf("adding athlete %d to winners tree: %w", w.AthleteID, err)
		}
	}
	if !bytes.Equal(tree.Root(), rec.WinnersRoot) {
		return nil, fmt.Errorf("winners of %s no longer match the settlement root", key)
	}
	return &WinnerProof{
		Root:          rec.WinnersRoot,
		Index:         uint64(index),
		AthleteID:     athleteID,
		PayoutAddress: winners[index].PayoutAddress,
		ProofNodes:    tree.Proof(),
	}, nil
}

// VerifyWinner checks the proof against root, the winners root of a settlement.
func VerifyWinner(proof *WinnerProof, root []byte) error {
	if !bytes.Equal(proof.Root, root) {
		return fmt.Errorf("%w: proof is for root %x, expected %x", types.ErrInvalidProof, proof.Root, root)
	}
	leaf := WinnerLeaf(types.Registration{AthleteID: proof.AthleteID, PayoutAddress: proof.PayoutAddress})
	valid, err := merkle.ValidatePartialTree(
		[]uint64{proof.Index},
		[][]byte{leaf},
		proof.ProofNodes,
		root,
		hashWinnersNode,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidProof, err)
	}
	if !valid {
		return types.ErrInvalidProof
	}
	return nil
}
