// Command node starts a FinDAG validator node.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/findag-project/findag/config"
	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/keystore"
	"github.com/findag-project/findag/node"
	"github.com/findag-project/findag/storage"
	"github.com/findag-project/findag/transport/certgen"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("FINDAG_PASSWORD")
	if password == "" {
		log.Println("WARNING: FINDAG_PASSWORD not set — keystore will use an empty password")
	}

	if *genKey {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		if err := keystore.SaveKey(*keyPath, password, priv); err != nil {
			log.Fatalf("save key: %v", err)
		}
		fmt.Printf("Generated key. Validator address: %s\n", pub.Address())
		fmt.Printf("Public key (hex): %s\n", pub.Hex())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	if *genCerts != "" {
		cfg, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfg.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfg.NodeID)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	privKey, err := keystore.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	n, err := node.New(cfg, privKey, db, prometheus.DefaultRegisterer, tlsCfg)
	if err != nil {
		log.Fatalf("node init: %v", err)
	}
	if err := n.Start(); err != nil {
		log.Fatalf("node start: %v", err)
	}
	log.Printf("FinDAG node running (validator: %s, p2p port: %d)", n.Address(), cfg.P2PPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	n.Stop()
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
