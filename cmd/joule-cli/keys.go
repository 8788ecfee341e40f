package main

import (
	"fmt"
	"os"

	"joulechain/cmd/internal/passphrase"
	"joulechain/crypto"
)

const passphraseEnv = "JOULE_KEYSTORE_PASSPHRASE"

func generateKey(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing keystore %s", path)
	}
	secret, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystore(path, key, secret); err != nil {
		return fmt.Errorf("save keystore: %w", err)
	}
	fmt.Printf("New key saved to %s\n", path)
	fmt.Printf("Address: %s\n", key.PubKey().Address().String())
	return nil
}

func showAddress(path string) error {
	secret, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(path, secret)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}
	fmt.Println(key.PubKey().Address().String())
	return nil
}
