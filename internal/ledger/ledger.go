// Package ledger implements the Ledger Sync Client (component E): the
// abstraction between the Batch Scheduler and the external permissioned
// ledger network. Grounded on the hybrid-architecture log-management
// system's chaincode (StoreMerkleRoot/QueryMerkleBatch/VerifyBatchIntegrity
// on a Hyperledger Fabric network) and on the certen-validator's
// pkg/ledger sentinel-error style, generalized from Accumulate-specific
// chain-summary types to the generic StoreBatch/QueryBatch/HealthCheck
// contract this spec names. Deployment and consensus of the ledger network
// itself are out of scope; this package is strictly the RPC client.
package ledger

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// Sentinel errors, classified by whether the failure is transient
// (ErrRetriable) or a rejection that repeating the same call will not fix
// (ErrFatal).
var (
	ErrRetriable = errors.New("ledger: transient failure, retry later")
	ErrFatal     = errors.New("ledger: endorsement or validation rejected the transaction")
)

const (
	storeBatchTransaction  = "StoreMerkleRoot"
	queryBatchTransaction  = "QueryMerkleBatch"
	verifyBatchTransaction = "VerifyBatchIntegrity"
	healthCheckTransaction = "GetAllMerkleBatches"
)

// Config configures the connection to the permissioned ledger network.
type Config struct {
	Endpoint        string // gateway peer address, host:port
	TLSCertPEM      []byte
	ServerNameOverride string

	MSPID          string
	ClientCertPEM  []byte
	ClientKeyPEM   []byte

	ChannelName    string
	ChaincodeName  string

	CallTimeout time.Duration // default 10s
}

// Client is the Ledger Sync Client.
type Client struct {
	conn     *grpc.ClientConn
	gateway  *client.Gateway
	contract *client.Contract
	timeout  time.Duration
}

// Connect dials the gateway peer and binds to the configured channel and
// chaincode.
func Connect(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" || cfg.ChannelName == "" || cfg.ChaincodeName == "" {
		return nil, fmt.Errorf("ledger: endpoint, channel and chaincode are required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	pool := x509.NewCertPool()
	if len(cfg.TLSCertPEM) > 0 {
		pool.AppendCertsFromPEM(cfg.TLSCertPEM)
	}
	creds := credentials.NewClientTLSFromCert(pool, cfg.ServerNameOverride)

	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to dial gateway peer: %w", err)
	}

	cert, err := identity.CertificateFromPEM(cfg.ClientCertPEM)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: failed to parse client certificate: %w", err)
	}
	id, err := identity.NewX509Identity(cfg.MSPID, cert)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: failed to build identity: %w", err)
	}

	privateKey, err := identity.PrivateKeyFromPEM(cfg.ClientKeyPEM)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: failed to parse client key: %w", err)
	}
	sign, err := identity.NewPrivateKeySign(privateKey)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: failed to build signer: %w", err)
	}

	gw, err := client.Connect(id, client.WithSign(sign), client.WithClientConnection(conn))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: failed to connect gateway: %w", err)
	}

	network := gw.GetNetwork(cfg.ChannelName)
	contract := network.GetContract(cfg.ChaincodeName)

	return &Client{conn: conn, gateway: gw, contract: contract, timeout: cfg.CallTimeout}, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c.gateway != nil {
		c.gateway.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// StoreBatch submits a batch's Merkle root to the ledger and returns the
// committed transaction id.
func (c *Client) StoreBatch(ctx context.Context, batchID, merkleRoot string, recordCount int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	proposal, err := c.contract.NewProposal(
		storeBatchTransaction,
		client.WithArguments(batchID, merkleRoot, time.Now().UTC().Format(time.RFC3339), strconv.Itoa(recordCount), ""),
	)
	if err != nil {
		return "", classify(fmt.Errorf("ledger: failed to build proposal: %w", err))
	}

	transaction, err := proposal.EndorseWithContext(ctx)
	if err != nil {
		return "", classify(fmt.Errorf("ledger: endorsement failed: %w", err))
	}

	commit, err := transaction.SubmitWithContext(ctx)
	if err != nil {
		return "", classify(fmt.Errorf("ledger: submit failed: %w", err))
	}

	txStatus, err := commit.StatusWithContext(ctx)
	if err != nil {
		return "", classify(fmt.Errorf("ledger: failed to read commit status: %w", err))
	}
	if !txStatus.Successful {
		return "", fmt.Errorf("%w: transaction %s committed with status code %d", ErrFatal, proposal.TransactionID(), txStatus.Code)
	}

	return proposal.TransactionID(), nil
}

// batchRecord mirrors the chaincode's MerkleBatch query response.
type batchRecord struct {
	BatchID    string   `json:"batchId"`
	MerkleRoot string   `json:"merkleRoot"`
	Timestamp  string   `json:"timestamp"`
	NumLogs    int      `json:"numLogs"`
	LogIDs     []string `json:"logIds"`
}

// QueryBatch reads back a previously stored batch.
func (c *Client) QueryBatch(ctx context.Context, batchID string) (merkleRoot string, recordCount int, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	proposal, err := c.contract.NewProposal(queryBatchTransaction, client.WithArguments(batchID))
	if err != nil {
		return "", 0, classify(fmt.Errorf("ledger: failed to build proposal: %w", err))
	}
	result, err := proposal.EvaluateWithContext(ctx)
	if err != nil {
		return "", 0, classify(fmt.Errorf("ledger: query batch failed: %w", err))
	}

	var rec batchRecord
	if err := json.Unmarshal(result, &rec); err != nil {
		return "", 0, fmt.Errorf("ledger: failed to decode batch response: %w", err)
	}
	return rec.MerkleRoot, rec.NumLogs, nil
}

// VerifyBatch asks the ledger to independently recompute a batch's root
// from the given leaf hashes and compare it to the stored one.
func (c *Client) VerifyBatch(ctx context.Context, batchID string, leafHashes []string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	encoded, err := json.Marshal(leafHashes)
	if err != nil {
		return false, fmt.Errorf("ledger: failed to encode leaf hashes: %w", err)
	}

	proposal, err := c.contract.NewProposal(verifyBatchTransaction, client.WithArguments(batchID, string(encoded)))
	if err != nil {
		return false, classify(fmt.Errorf("ledger: failed to build proposal: %w", err))
	}
	result, err := proposal.EvaluateWithContext(ctx)
	if err != nil {
		return false, classify(fmt.Errorf("ledger: verify batch failed: %w", err))
	}
	return string(result) == "true", nil
}

// HealthCheck performs a cheap read-only call to confirm the gateway
// connection and chaincode are reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	proposal, err := c.contract.NewProposal(healthCheckTransaction)
	if err != nil {
		return classify(fmt.Errorf("ledger: failed to build proposal: %w", err))
	}
	if _, err := proposal.EvaluateWithContext(ctx); err != nil {
		return classify(fmt.Errorf("ledger: health check failed: %w", err))
	}
	return nil
}

// classify wraps err with ErrRetriable or ErrFatal based on the underlying
// gRPC status code, so callers can decide whether to retry a batch or mark
// it permanently failed.
func classify(err error) error {
	code := status.Code(err)
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return fmt.Errorf("%w: %v", ErrRetriable, err)
	case codes.OK:
		return err
	default:
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
}
