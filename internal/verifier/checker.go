package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/devblac/da-verifier/internal/node"
)

// Fetcher loads the raw DA payload for a transaction id.
type Fetcher interface {
	Fetch(ctx context.Context, txID string) ([]byte, error)
}

// GatewayFetcher reads payloads from an HTTP gateway at <base>/<txID>.
type GatewayFetcher struct {
	base   string
	client *http.Client
}

// NewGatewayFetcher builds a fetcher for the gateway base URL.
func NewGatewayFetcher(base string, timeout time.Duration) *GatewayFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewayFetcher{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (g *GatewayFetcher) Fetch(ctx context.Context, txID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+"/"+txID, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch payload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return body, nil
}

// ReaderSource hands out node readers per config snapshot. node.Clients satisfies it.
type ReaderSource interface {
	For(ctx context.Context, cfg node.Config) (node.BlockReader, error)
}

// Payload is the part of a DA submission the checker inspects.
type Payload struct {
	DataAvailabilityID string      `json:"dataAvailabilityId"`
	Type               string      `json:"type"`
	Signature          string      `json:"signature"`
	Submitter          string      `json:"submitter"`
	ChainProofs        ChainProofs `json:"chainProofs"`
	Event              struct {
		Timestamp uint64 `json:"timestamp"`
	} `json:"event"`
}

type ChainProofs struct {
	ThisPublication BlockProof `json:"thisPublication"`
}

type BlockProof struct {
	BlockNumber    uint64 `json:"blockNumber"`
	BlockHash      string `json:"blockHash"`
	BlockTimestamp uint64 `json:"blockTimestamp"`
}

// SubmissionDigest is the hash the submitter signs for a DA id.
func SubmissionDigest(daID string) common.Hash {
	return crypto.Keccak256Hash([]byte(daID))
}

// DAChecker performs the structural and on-chain anchor checks for one submission.
type DAChecker struct {
	fetch Fetcher
	nodes ReaderSource
}

// NewDAChecker builds the default checker.
func NewDAChecker(fetch Fetcher, nodes ReaderSource) *DAChecker {
	return &DAChecker{fetch: fetch, nodes: nodes}
}

func (c *DAChecker) Check(ctx context.Context, txID string, cfg node.Config, _ CheckOptions) error {
	raw, err := c.fetch.Fetch(ctx, txID)
	if err != nil {
		return &Failure{Kind: KindCanNotConnectToBundlr, Err: err}
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Fail(KindInvalidFormattedTypedData, "decode payload: %v", err)
	}
	if p.Signature == "" || p.Submitter == "" {
		return Fail(KindNoSignatureSubmitter, "signature and submitter required")
	}
	if p.DataAvailabilityID == "" {
		return Fail(KindTimestampProofInvalidDAID, "missing data availability id")
	}
	if err := verifySubmitter(p); err != nil {
		return err
	}

	proof := p.ChainProofs.ThisPublication
	reader, err := c.nodes.For(ctx, cfg)
	if err != nil {
		return &Failure{Kind: KindBlockCantBeReadFromNode, Err: err}
	}
	header, err := reader.HeaderByNumber(ctx, new(big.Int).SetUint64(proof.BlockNumber))
	if err != nil {
		return &Failure{Kind: KindBlockCantBeReadFromNode, Err: err}
	}
	if !strings.EqualFold(header.Hash().Hex(), proof.BlockHash) {
		return Fail(KindPotentialReorg, "block %d hash %s, proof has %s", proof.BlockNumber, header.Hash().Hex(), proof.BlockHash)
	}
	if header.Time != proof.BlockTimestamp || p.Event.Timestamp != proof.BlockTimestamp {
		return Fail(KindInvalidEventTimestamp, "block time %d, proof %d, event %d", header.Time, proof.BlockTimestamp, p.Event.Timestamp)
	}
	return nil
}

func verifySubmitter(p Payload) error {
	sig, err := hexutil.Decode(p.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return Fail(KindTimestampProofInvalidSignature, "malformed signature")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(SubmissionDigest(p.DataAvailabilityID).Bytes(), sig)
	if err != nil {
		return Fail(KindTimestampProofInvalidSignature, "recover signer: %v", err)
	}
	if !common.IsHexAddress(p.Submitter) {
		return Fail(KindNoSignatureSubmitter, "invalid submitter %q", p.Submitter)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != common.HexToAddress(p.Submitter) {
		return Fail(KindTimestampProofNotSubmitter, "signed by %s, submitter %s", signer.Hex(), p.Submitter)
	}
	return nil
}
