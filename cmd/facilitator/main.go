// Command facilitator runs the x402 settlement facilitator server.
//
// Configuration is environment driven:
//
//	PORT                 listen port (default 8080)
//	EVM_PRIVATE_KEY      hex signing key for EVM settlement
//	SOLANA_PRIVATE_KEY   base58 fee-payer key for Solana settlement
//	NETWORKS             comma-separated allowlist (default: all known)
//
// Per-chain RPC endpoints are overridden with <NETWORK>_RPC_URL variables,
// for example BASE_RPC_URL or SOLANA_DEVNET_RPC_URL.
package main

import (
	"log"
	"os"
	"strings"

	facilitator "github.com/openfacilitator/facilitator"
	fhttp "github.com/openfacilitator/facilitator/http"
	"github.com/openfacilitator/facilitator/mechanisms/evm"
	"github.com/openfacilitator/facilitator/mechanisms/svm"
	evmsigner "github.com/openfacilitator/facilitator/signers/evm"
	svmsigner "github.com/openfacilitator/facilitator/signers/svm"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	cfg := facilitator.Config{
		Executors:       map[facilitator.ChainKind]facilitator.ChainExecutor{},
		SignerKeys:      map[facilitator.ChainKind]string{},
		SignerAddresses: map[facilitator.ChainKind]string{},
	}
	if networks := os.Getenv("NETWORKS"); networks != "" {
		for _, n := range strings.Split(networks, ",") {
			cfg.Networks = append(cfg.Networks, facilitator.Network(strings.TrimSpace(n)))
		}
	}

	var evmExec *evm.Executor
	if key := os.Getenv("EVM_PRIVATE_KEY"); key != "" {
		addr, err := evmsigner.AddressFromPrivateKey(key)
		if err != nil {
			log.Fatalf("[Main] invalid EVM_PRIVATE_KEY: %v", err)
		}
		evmExec = evm.NewExecutor(evm.ExecutorConfig{})
		evmExec.Dedup().Start()
		defer evmExec.Dedup().Stop()

		cfg.Executors[facilitator.ChainKindEVM] = evmExec
		cfg.SignerKeys[facilitator.ChainKindEVM] = key
		cfg.SignerAddresses[facilitator.ChainKindEVM] = addr
		log.Printf("[Main] EVM settlement enabled, signer %s", addr)
	}

	var svmExec *svm.Executor
	if key := os.Getenv("SOLANA_PRIVATE_KEY"); key != "" {
		signer, err := svmsigner.ParsePrivateKey(key)
		if err != nil {
			log.Fatalf("[Main] invalid SOLANA_PRIVATE_KEY: %v", err)
		}
		svmExec = svm.NewExecutor(nil)

		cfg.Executors[facilitator.ChainKindSolana] = svmExec
		cfg.SignerKeys[facilitator.ChainKindSolana] = key
		cfg.SignerAddresses[facilitator.ChainKindSolana] = signer.Address()
		log.Printf("[Main] Solana settlement enabled, fee payer %s", signer.Address())
	}

	if len(cfg.Executors) == 0 {
		log.Fatal("[Main] no signing keys configured; set EVM_PRIVATE_KEY and/or SOLANA_PRIVATE_KEY")
	}

	router := fhttp.NewRouter(fhttp.ServerConfig{
		Facilitator: facilitator.New(cfg),
		EVM:         evmExec,
		SVM:         svmExec,
	})

	log.Printf("[Main] facilitator listening on :%s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("[Main] server exited: %v", err)
	}
}
