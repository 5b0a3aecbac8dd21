package anchor

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Kind tags an anchor entry: an intent is stored before payment, the
// reveal lands after settlement.
type Kind byte

const (
	KindIntent Kind = 0x01
	KindReveal Kind = 0x02
)

// Client is the subset of ethclient the writer needs; tests stub it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type job struct {
	kind      Kind
	requestID string
	digest    [32]byte
}

// Writer serializes anchor transactions through a single FIFO queue
// over one wallet. The nonce is managed locally, synchronized with the
// chain at construction; each job awaits its receipt before the next
// starts, so nonces never collide.
type Writer struct {
	client   Client
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	chainID  *big.Int

	mu    sync.Mutex
	nonce uint64
	jobs  chan job
}

// Dial connects a writer over RPC. The anchor is optional; callers
// treat a dial error as "run without anchoring".
func Dial(ctx context.Context, rpcURL, privateKeyHex, contractHex string) (*Writer, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial anchor rpc: %w", err)
	}
	return New(ctx, ec, privateKeyHex, contractHex)
}

func New(ctx context.Context, client Client, privateKeyHex, contractHex string) (*Writer, error) {
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse anchor key: %w", err)
	}
	if !common.IsHexAddress(contractHex) {
		return nil, errors.New("anchor contract is not a hex address")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("anchor chain id: %w", err)
	}
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("anchor nonce: %w", err)
	}
	return &Writer{
		client:   client,
		key:      key,
		from:     from,
		contract: common.HexToAddress(contractHex),
		chainID:  chainID,
		nonce:    nonce,
		jobs:     make(chan job, 256),
	}, nil
}

// Digest derives the anchored commitment from a request id and payload
// hash; the raw payload never goes on chain.
func Digest(requestID, payloadHash string) [32]byte {
	return sha256.Sum256([]byte(requestID + "|" + payloadHash))
}

// EnqueueIntent and EnqueueReveal never block the pipeline: when the
// queue is full the entry is dropped with a log line.
func (w *Writer) EnqueueIntent(requestID, payloadHash string) {
	w.enqueue(job{kind: KindIntent, requestID: requestID, digest: Digest(requestID, payloadHash)})
}

func (w *Writer) EnqueueReveal(requestID, payloadHash string) {
	w.enqueue(job{kind: KindReveal, requestID: requestID, digest: Digest(requestID, payloadHash)})
}

func (w *Writer) enqueue(j job) {
	if w == nil {
		return
	}
	select {
	case w.jobs <- j:
	default:
		log.Printf("anchor: queue full, dropping %d entry for %s", j.kind, j.requestID)
	}
}

// Run drains the queue until the context is canceled.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.jobs:
			if err := w.submit(ctx, j); err != nil {
				log.Printf("anchor: submit %s failed: %v", j.requestID, err)
			}
		}
	}
}

func (w *Writer) submit(ctx context.Context, j job) error {
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	data := make([]byte, 0, 1+32)
	data = append(data, byte(j.kind))
	data = append(data, j.digest[:]...)

	w.mu.Lock()
	nonce := w.nonce
	w.mu.Unlock()

	tx := types.NewTransaction(nonce, w.contract, big.NewInt(0), 100_000, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	w.mu.Lock()
	w.nonce = nonce + 1
	w.mu.Unlock()

	return w.awaitReceipt(ctx, signed.Hash())
}

func (w *Writer) awaitReceipt(ctx context.Context, hash common.Hash) error {
	deadline := time.Now().Add(90 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if rcpt, err := w.client.TransactionReceipt(ctx, hash); err == nil && rcpt != nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("receipt for %s not found before deadline", hash.Hex())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pending reports the queue depth, exposed as a gauge.
func (w *Writer) Pending() int {
	if w == nil {
		return 0
	}
	return len(w.jobs)
}
