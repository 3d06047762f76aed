package solana

import (
	"encoding/binary"
	"fmt"

	"github.com/brojonat/agrosettle/service/settlement"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.SystemProgramID

	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.TokenProgramID

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// transfer is a value movement decoded from a single instruction.
type transfer struct {
	amount uint64
	from   solana.PublicKey
	// to is the receiving wallet for SOL and the destination token account for SPL.
	to      solana.PublicKey
	toIndex uint16
	mint    solana.PublicKey
	isToken bool
}

// parseTransfer extracts the first value transfer of a fetched transaction.
// Only a missing or undecodable body is an error.
// SPL destinations are resolved to their owning wallet through the post
// token balances so the recipient compares wallet to wallet.
func parseTransfer(hash string, result *rpc.GetTransactionResult) (*settlement.ChainTransaction, error) {
	if result == nil || result.Transaction == nil {
		return nil, fmt.Errorf("transaction %s has no body", hash)
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	accountKeys := tx.Message.AccountKeys
	var found *transfer
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		switch {
		case programID.Equals(SystemProgramID):
			if t, err := parseSystemTransfer(instruction, accountKeys); err == nil {
				found = t
			}
		case programID.Equals(TokenProgramID) || programID.Equals(Token2022ProgramID):
			if t, err := parseTokenTransfer(instruction, accountKeys); err == nil {
				found = t
			}
		}
		if found != nil {
			break
		}
	}
	out := &settlement.ChainTransaction{Hash: hash, Slot: result.Slot}
	if result.BlockTime != nil {
		bt := result.BlockTime.Time().UTC()
		out.BlockTime = &bt
	}

	// A visible transaction that moves no value keeps To empty; the fee
	// payer stands in as the sender.
	if found == nil {
		if len(accountKeys) > 0 {
			out.From = accountKeys[0].String()
		}
		return out, nil
	}
	out.From = found.from.String()
	out.To = found.to.String()
	out.Amount = found.amount

	if found.isToken {
		owner, mint := tokenAccountOwner(result.Meta, found.toIndex)
		if owner != nil {
			out.To = owner.String()
		}
		if found.mint.IsZero() && mint != nil {
			found.mint = *mint
		}
		if !found.mint.IsZero() {
			out.TokenMint = found.mint.String()
		}
	}

	return out, nil
}

// tokenAccountOwner finds the owner and mint of the token account at index.
func tokenAccountOwner(meta *rpc.TransactionMeta, index uint16) (*solana.PublicKey, *solana.PublicKey) {
	if meta == nil {
		return nil, nil
	}
	for _, bal := range meta.PostTokenBalances {
		if bal.AccountIndex != index {
			continue
		}
		mint := bal.Mint
		return bal.Owner, &mint
	}
	return nil, nil
}

// parseSystemTransfer decodes a System Program Transfer instruction.
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (*transfer, error) {
	// [0..4]  = instruction type (u32, 2 = Transfer)
	// [4..12] = lamports (u64)
	if len(instruction.Data) < 12 {
		return nil, fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}

	instructionType := binary.LittleEndian.Uint32(instruction.Data[0:4])
	if instructionType != SystemProgramTransferInstruction {
		return nil, fmt.Errorf("not a transfer instruction: type %d", instructionType)
	}

	// accounts: [from, to]
	from, to, err := accountPair(instruction, accountKeys, 0, 1)
	if err != nil {
		return nil, err
	}

	return &transfer{
		amount: binary.LittleEndian.Uint64(instruction.Data[4:12]),
		from:   from,
		to:     to,
	}, nil
}

// parseTokenTransfer decodes SPL Transfer and TransferChecked instructions.
// The sender is the signing authority, not the source token account.
func parseTokenTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (*transfer, error) {
	if len(instruction.Data) == 0 {
		return nil, fmt.Errorf("empty instruction data")
	}

	switch instruction.Data[0] {
	case TokenProgramTransferInstruction:
		// [0] type, [1..9] amount
		// accounts: [source, destination, authority]
		if len(instruction.Data) < 9 {
			return nil, fmt.Errorf("transfer instruction data too short")
		}
		authority, dest, err := accountPair(instruction, accountKeys, 2, 1)
		if err != nil {
			return nil, err
		}
		return &transfer{
			amount:  binary.LittleEndian.Uint64(instruction.Data[1:9]),
			from:    authority,
			to:      dest,
			toIndex: instruction.Accounts[1],
			isToken: true,
		}, nil

	case TokenProgramTransferCheckedInstruction:
		// [0] type, [1..9] amount, [9] decimals
		// accounts: [source, mint, destination, authority]
		if len(instruction.Data) < 10 {
			return nil, fmt.Errorf("transferChecked instruction data too short")
		}
		authority, dest, err := accountPair(instruction, accountKeys, 3, 2)
		if err != nil {
			return nil, err
		}
		mintIndex := instruction.Accounts[1]
		return &transfer{
			amount:  binary.LittleEndian.Uint64(instruction.Data[1:9]),
			from:    authority,
			to:      dest,
			toIndex: instruction.Accounts[2],
			mint:    accountKeys[mintIndex],
			isToken: true,
		}, nil

	default:
		return nil, fmt.Errorf("unknown token instruction type: %d", instruction.Data[0])
	}
}

// accountPair resolves two instruction account positions to public keys,
// checking every index along the way.
func accountPair(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey, a, b int) (solana.PublicKey, solana.PublicKey, error) {
	need := max(a, b) + 1
	if len(instruction.Accounts) < need {
		return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("instruction has %d accounts, need %d", len(instruction.Accounts), need)
	}
	for _, idx := range instruction.Accounts[:need] {
		if int(idx) >= len(accountKeys) {
			return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("account index %d out of bounds", idx)
		}
	}
	return accountKeys[instruction.Accounts[a]], accountKeys[instruction.Accounts[b]], nil
}
