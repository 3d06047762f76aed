package solana

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSignature = "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"

// Helper function to create a TransactionResultEnvelope from a Transaction.
// Since TransactionResultEnvelope has unexported fields, we use JSON marshaling.
func makeTransactionEnvelope(tx *solana.Transaction) (*rpc.TransactionResultEnvelope, error) {
	txJSON, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	var temp struct {
		Transaction json.RawMessage `json:"transaction"`
	}
	temp.Transaction = txJSON

	envelopeJSON, err := json.Marshal(temp)
	if err != nil {
		return nil, err
	}

	var result rpc.GetTransactionResult
	if err := json.Unmarshal(envelopeJSON, &result); err != nil {
		return nil, err
	}

	return result.Transaction, nil
}

func newKey() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

func systemTransferData(lamports uint64) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], SystemProgramTransferInstruction)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return data
}

func transferCheckedData(amount uint64, decimals uint8) []byte {
	data := make([]byte, 10)
	data[0] = TokenProgramTransferCheckedInstruction
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return data
}

func makeResult(t *testing.T, tx *solana.Transaction, meta *rpc.TransactionMeta) *rpc.GetTransactionResult {
	t.Helper()
	envelope, err := makeTransactionEnvelope(tx)
	require.NoError(t, err)
	blockTime := solana.UnixTimeSeconds(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix())
	return &rpc.GetTransactionResult{
		Slot:        100,
		BlockTime:   &blockTime,
		Transaction: envelope,
		Meta:        meta,
	}
}

func TestParseTransfer_SOL(t *testing.T) {
	from, to := newKey(), newKey()
	tx := &solana.Transaction{
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{from, to, SystemProgramID},
			Instructions: []solana.CompiledInstruction{
				{ProgramIDIndex: 2, Accounts: []uint16{0, 1}, Data: systemTransferData(1_000_000_000)},
			},
		},
	}

	txn, err := parseTransfer(testSignature, makeResult(t, tx, nil))

	require.NoError(t, err)
	assert.Equal(t, testSignature, txn.Hash)
	assert.Equal(t, from.String(), txn.From)
	assert.Equal(t, to.String(), txn.To)
	assert.Equal(t, uint64(1_000_000_000), txn.Amount)
	assert.Empty(t, txn.TokenMint)
	assert.Equal(t, uint64(100), txn.Slot)
	require.NotNil(t, txn.BlockTime)
	assert.Equal(t, 2026, txn.BlockTime.Year())
}

func TestParseTransfer_SPLTransferCheckedResolvesOwner(t *testing.T) {
	source, mint, dest, authority, owner := newKey(), newKey(), newKey(), newKey(), newKey()
	tx := &solana.Transaction{
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{source, mint, dest, authority, TokenProgramID},
			Instructions: []solana.CompiledInstruction{
				{ProgramIDIndex: 4, Accounts: []uint16{0, 1, 2, 3}, Data: transferCheckedData(1_000_000, 6)},
			},
		},
	}
	meta := &rpc.TransactionMeta{
		PostTokenBalances: []rpc.TokenBalance{
			{AccountIndex: 0, Owner: &authority, Mint: mint},
			{AccountIndex: 2, Owner: &owner, Mint: mint},
		},
	}

	txn, err := parseTransfer(testSignature, makeResult(t, tx, meta))

	require.NoError(t, err)
	assert.Equal(t, authority.String(), txn.From)
	assert.Equal(t, owner.String(), txn.To, "destination token account resolves to its owner")
	assert.Equal(t, mint.String(), txn.TokenMint)
	assert.Equal(t, uint64(1_000_000), txn.Amount)
}

func TestParseTransfer_SPLTransferUsesBalanceMint(t *testing.T) {
	source, dest, authority, owner, mint := newKey(), newKey(), newKey(), newKey(), newKey()
	data := make([]byte, 9)
	data[0] = TokenProgramTransferInstruction
	binary.LittleEndian.PutUint64(data[1:9], 42)

	tx := &solana.Transaction{
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{source, dest, authority, TokenProgramID},
			Instructions: []solana.CompiledInstruction{
				{ProgramIDIndex: 3, Accounts: []uint16{0, 1, 2}, Data: data},
			},
		},
	}
	meta := &rpc.TransactionMeta{
		PostTokenBalances: []rpc.TokenBalance{{AccountIndex: 1, Owner: &owner, Mint: mint}},
	}

	txn, err := parseTransfer(testSignature, makeResult(t, tx, meta))

	require.NoError(t, err)
	assert.Equal(t, authority.String(), txn.From)
	assert.Equal(t, owner.String(), txn.To)
	assert.Equal(t, mint.String(), txn.TokenMint)
	assert.Equal(t, uint64(42), txn.Amount)
}

func TestParseTransfer_UnknownOwnerKeepsTokenAccount(t *testing.T) {
	source, mint, dest, authority := newKey(), newKey(), newKey(), newKey()
	tx := &solana.Transaction{
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{source, mint, dest, authority, TokenProgramID},
			Instructions: []solana.CompiledInstruction{
				{ProgramIDIndex: 4, Accounts: []uint16{0, 1, 2, 3}, Data: transferCheckedData(5, 0)},
			},
		},
	}

	txn, err := parseTransfer(testSignature, makeResult(t, tx, nil))

	require.NoError(t, err)
	assert.Equal(t, dest.String(), txn.To)
}

func noTransferTransaction(feePayer solana.PublicKey) *solana.Transaction {
	return &solana.Transaction{
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{feePayer, SystemProgramID},
			Instructions: []solana.CompiledInstruction{
				{ProgramIDIndex: 1, Accounts: []uint16{0}, Data: []byte{0, 0, 0, 0}},
			},
		},
	}
}

func TestParseTransfer_NoTransfer(t *testing.T) {
	feePayer := newKey()

	txn, err := parseTransfer(testSignature, makeResult(t, noTransferTransaction(feePayer), nil))
	require.NoError(t, err)
	assert.Equal(t, feePayer.String(), txn.From)
	assert.Empty(t, txn.To)
	assert.Zero(t, txn.Amount)
	assert.Equal(t, uint64(100), txn.Slot)
	require.NotNil(t, txn.BlockTime)
}

func TestParseTransfer_MissingBody(t *testing.T) {
	_, err := parseTransfer(testSignature, &rpc.GetTransactionResult{})
	assert.Error(t, err)
}

func TestParseSystemTransfer(t *testing.T) {
	from, to := newKey(), newKey()
	instruction := solana.CompiledInstruction{Accounts: []uint16{0, 1}, Data: systemTransferData(2_000_000_000)}

	got, err := parseSystemTransfer(instruction, []solana.PublicKey{from, to})

	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000_000), got.amount)
	assert.Equal(t, from, got.from)
	assert.Equal(t, to, got.to)
	assert.False(t, got.isToken)
}

func TestParseSystemTransfer_Malformed(t *testing.T) {
	keys := []solana.PublicKey{newKey(), newKey()}

	tests := []struct {
		name        string
		instruction solana.CompiledInstruction
	}{
		{"short data", solana.CompiledInstruction{Accounts: []uint16{0, 1}, Data: []byte{2, 0, 0}}},
		{"not a transfer", solana.CompiledInstruction{Accounts: []uint16{0, 1}, Data: make([]byte, 12)}},
		{"missing accounts", solana.CompiledInstruction{Accounts: []uint16{0}, Data: systemTransferData(1)}},
		{"index out of bounds", solana.CompiledInstruction{Accounts: []uint16{0, 7}, Data: systemTransferData(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSystemTransfer(tt.instruction, keys)
			assert.Error(t, err)
		})
	}
}

func TestParseTokenTransfer_Malformed(t *testing.T) {
	keys := []solana.PublicKey{newKey(), newKey(), newKey(), newKey()}

	tests := []struct {
		name        string
		instruction solana.CompiledInstruction
	}{
		{"empty data", solana.CompiledInstruction{Accounts: []uint16{0, 1, 2, 3}}},
		{"unknown type", solana.CompiledInstruction{Accounts: []uint16{0, 1, 2, 3}, Data: []byte{7}}},
		{"short transferChecked", solana.CompiledInstruction{Accounts: []uint16{0, 1, 2, 3}, Data: []byte{12, 1}}},
		{"transferChecked missing authority", solana.CompiledInstruction{Accounts: []uint16{0, 1, 2}, Data: transferCheckedData(1, 6)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseTokenTransfer(tt.instruction, keys)
			assert.Error(t, err)
		})
	}
}
