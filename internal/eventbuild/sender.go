package eventbuild

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	signerCacheMu sync.Mutex
	signerCache   = make(map[uint64]ethtypes.Signer)
)

func signerFor(chainID uint64) ethtypes.Signer {
	signerCacheMu.Lock()
	defer signerCacheMu.Unlock()
	if s, ok := signerCache[chainID]; ok {
		return s
	}
	s := ethtypes.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	signerCache[chainID] = s
	return s
}

// senderOf recovers a transaction's sender address from its signature,
// caching the per-chain signer instance (signature recovery is the only
// correct-for-any-chain way to get `from`; go-ethereum doesn't carry it on
// the transaction itself).
func senderOf(tx *ethtypes.Transaction) (common.Address, error) {
	signer := signerFor(tx.ChainId().Uint64())
	return ethtypes.Sender(signer, tx)
}
