package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"joulechain/services/pegd/auth"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

type credentials struct {
	key    string
	secret string
}

func loadCredentials() (credentials, error) {
	key := strings.TrimSpace(os.Getenv("JOULE_API_KEY"))
	secret := strings.TrimSpace(os.Getenv("JOULE_API_SECRET"))
	if key == "" || secret == "" {
		return credentials{}, fmt.Errorf("JOULE_API_KEY and JOULE_API_SECRET must be set for signed commands")
	}
	return credentials{key: key, secret: secret}, nil
}

func fetchJSON(path string) error {
	endpoint, err := url.JoinPath(pegdEndpoint, path)
	if err != nil {
		return fmt.Errorf("build URL: %w", err)
	}
	resp, err := httpClient.Get(endpoint)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pegd returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return printPretty(body)
}

func postSigned(path string, payload any) error {
	creds, err := loadCredentials()
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	endpoint, err := url.JoinPath(pegdEndpoint, path)
	if err != nil {
		return fmt.Errorf("build URL: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	nonce := uuid.NewString()
	sig := auth.ComputeSignature(creds.secret, timestamp, nonce, http.MethodPost, req.URL.Path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAPIKey, creds.key)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pegd returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return printPretty(respBody)
}

func printPretty(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func runPause(paused bool) error {
	return postSigned("/admin/pause", map[string]bool{"paused": paused})
}

func runWithdraw(to, amount string) error {
	to = strings.TrimSpace(to)
	amount = strings.TrimSpace(amount)
	if to == "" || amount == "" {
		return fmt.Errorf("destination and amount required")
	}
	return postSigned("/admin/withdraw", map[string]string{"to": to, "amount": amount})
}

func runSetParams(args []string) error {
	payload := map[string]any{}
	for i := 0; i < len(args); i++ {
		flagName, value, err := splitFlag(args, &i)
		if err != nil {
			return err
		}
		switch flagName {
		case "--band-bps":
			payload["bandBps"], err = parseUintFlag(flagName, value)
		case "--slippage-bps":
			payload["slippageBps"], err = parseUintFlag(flagName, value)
		case "--cooldown-seconds":
			payload["cooldownSeconds"], err = parseUintFlag(flagName, value)
		case "--max-price-age-seconds":
			payload["maxPriceAgeSeconds"], err = parseUintFlag(flagName, value)
		case "--min-trade-size":
			payload["minTradeSize"] = value
		case "--max-mint":
			payload["maxMintPerRebalance"] = value
		case "--max-quote-spend":
			payload["maxQuoteSpend"] = value
		case "--min-pool-reserve":
			payload["minPoolReserve"] = value
		case "--quote-usd":
			payload["quoteUsd"] = value
		default:
			return fmt.Errorf("unknown flag %s", flagName)
		}
		if err != nil {
			return err
		}
	}
	if len(payload) == 0 {
		return fmt.Errorf("set-params requires at least one flag, e.g. --band-bps 300")
	}
	return postSigned("/admin/params", payload)
}

func splitFlag(args []string, i *int) (string, string, error) {
	arg := args[*i]
	if name, value, found := strings.Cut(arg, "="); found {
		return name, strings.TrimSpace(value), nil
	}
	if *i+1 >= len(args) {
		return "", "", fmt.Errorf("%s requires a value", arg)
	}
	*i++
	return arg, strings.TrimSpace(args[*i]), nil
}

func parseUintFlag(name, value string) (uint64, error) {
	var out uint64
	if _, err := fmt.Sscanf(value, "%d", &out); err != nil {
		return 0, fmt.Errorf("%s expects an unsigned integer, got %q", name, value)
	}
	return out, nil
}
