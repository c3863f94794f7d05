package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polycopy/internal/crypto"
	"github.com/alanyoungcy/polycopy/internal/domain"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// defaultTick is the price increment used when the book does not report one.
const defaultTick = 0.01

// usdcScale converts share and USDC quantities to 6-decimal integers.
var usdcScale = decimal.New(1, 6)

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It reads book metadata and places signed limit orders.
type ClobClient struct {
	baseURL       string
	httpClient    *http.Client
	signer        *crypto.Signer
	hmacAuth      *crypto.HMACAuth
	funder        common.Address
	signatureType int
}

// NewClobClient creates a new CLOB REST client.
//
// funder is the address holding the USDC (the proxy wallet); when empty the
// signer's own address is used. hmac may be nil until DeriveAPIKey runs.
func NewClobClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth, funder string, signatureType int) *ClobClient {
	c := &ClobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:        signer,
		hmacAuth:      hmac,
		signatureType: signatureType,
	}
	if funder != "" {
		c.funder = common.HexToAddress(funder)
	} else if signer != nil {
		c.funder = signer.Address()
	}
	return c
}

// HasCredentials reports whether L2 API credentials are available.
func (c *ClobClient) HasCredentials() bool {
	return c.hmacAuth != nil
}

// GetBook returns the book metadata for tokenID. The endpoint is public.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (APIBook, error) {
	u := c.baseURL + "/book?" + url.Values{"token_id": {tokenID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: create book request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: book %s: %w", tokenID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: read book: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: book %s: %w", tokenID, err)
	}

	var book APIBook
	if err := json.Unmarshal(body, &book); err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	return book, nil
}

// BuildOrder converts a sized request into a signed GTC limit order. Shares
// are floored to 2 decimals and the price is rounded to the tick.
func (c *ClobClient) BuildOrder(req domain.OrderRequest) (domain.SignedOrder, error) {
	if req.Price <= 0 || req.Price >= 1 || req.Shares <= 0 {
		return domain.SignedOrder{}, fmt.Errorf("%w: price %g shares %g", domain.ErrInvalidOrder, req.Price, req.Shares)
	}

	tick := req.TickSize
	if tick <= 0 {
		tick = defaultTick
	}
	tickD := decimal.NewFromFloat(tick)
	price := decimal.NewFromFloat(req.Price).Div(tickD).Round(0).Mul(tickD)
	if price.Sign() <= 0 {
		price = tickD
	}
	shares := decimal.NewFromFloat(req.Shares).RoundFloor(2)
	if shares.Sign() <= 0 {
		return domain.SignedOrder{}, fmt.Errorf("%w: shares %g round to zero", domain.ErrInvalidOrder, req.Shares)
	}
	usd := shares.Mul(price).RoundFloor(4)

	sharesUnits := shares.Mul(usdcScale).BigInt()
	usdUnits := usd.Mul(usdcScale).BigInt()

	order := domain.SignedOrder{
		Salt:          newSalt(),
		Maker:         c.funder.Hex(),
		Signer:        c.signer.Address().Hex(),
		TokenID:       req.TokenID,
		Side:          req.Side,
		Type:          domain.OrderTypeGTC,
		SignatureType: c.signatureType,
		CreatedAt:     time.Now().UTC(),
	}
	sideCode := 0
	if req.Side == domain.SideBuy {
		order.MakerAmount, order.TakerAmount = usdUnits, sharesUnits
	} else {
		order.MakerAmount, order.TakerAmount = sharesUnits, usdUnits
		sideCode = 1
	}

	sig, err := c.signer.SignOrder(crypto.OrderPayload{
		Salt:          order.Salt,
		Maker:         order.Maker,
		Signer:        order.Signer,
		Taker:         zeroAddress,
		TokenID:       order.TokenID,
		MakerAmount:   order.MakerAmount.String(),
		TakerAmount:   order.TakerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideCode,
		SignatureType: order.SignatureType,
	})
	if err != nil {
		return domain.SignedOrder{}, fmt.Errorf("%w: %w", domain.ErrSigningFailed, err)
	}
	order.Signature = sig
	return order, nil
}

// PlaceLimitOrder signs and posts a GTC limit order for req.
func (c *ClobClient) PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	order, err := c.BuildOrder(req)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: build order: %w", err)
	}
	return c.PostOrder(ctx, order)
}

// PostOrder submits a signed order to the CLOB API and returns the result.
func (c *ClobClient) PostOrder(ctx context.Context, order domain.SignedOrder) (domain.OrderResult, error) {
	if c.hmacAuth == nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w: no api credentials", domain.ErrUnauthorized)
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          json.Number(order.Salt),
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         zeroAddress,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    "0",
			"nonce":         "0",
			"feeRateBps":    "0",
			"side":          string(order.Side),
			"signatureType": order.SignatureType,
			"signature":     order.Signature,
		},
		"owner":     c.hmacAuth.Key,
		"orderType": string(order.Type),
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	result := apiResult.ToDomainOrderResult(order.Side)
	if !result.Success {
		return result, fmt.Errorf("polymarket/clob: order rejected: %s", result.Error)
	}
	return result, nil
}

// DeriveAPIKey performs the CLOB auth flow to obtain an HMAC API key. It
// signs a ClobAuth EIP-712 message and sends it with L1 headers to the
// derive-api-key endpoint. On success it populates the client's hmacAuth field.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", timestamp))
	req.Header.Set("POLY_NONCE", fmt.Sprintf("%d", nonce))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return fmt.Errorf("polymarket/clob: derive api key: %w", err)
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	headers := c.hmacAuth.L2Headers(c.signer.Address().Hex(), method, path, bodyStr)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// newSalt returns a random non-negative integer salt as a decimal string.
func newSalt() string {
	id := uuid.New()
	return new(big.Int).SetBytes(id[:7]).String()
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	if len(bodyStr) > 512 {
		bodyStr = bodyStr[:512]
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
