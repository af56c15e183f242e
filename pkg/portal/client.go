package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/tankwatch/tankwatch/pkg/common"
	"github.com/tankwatch/tankwatch/pkg/log"
)

const (
	defaultBaseURL = "https://bff.myferrellgas.com"

	loginPath          = "/api/Auth/Login/"
	userMePath         = "/api/User/me"
	accountSummaryPath = "/api/AccountSummary/"
	ordersByIPPath     = "/api/Order/IP/"
	orderDetailPath    = "/api/Order/"
)

// Client wraps the vendor customer-portal API. It is stateless per call:
// every method takes the bearer token it should use, applies the bounded
// request timeout, and never retries internally. Retry policy belongs to
// the poll coordinator.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient returns a Client against the given base URL (empty means the
// production portal host) with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		client:  common.HTTPClient(timeout),
		baseURL: baseURL,
	}
}

// Configured sets up a portal Client from flags.
func Configured() *Client {
	baseURL := lflag.String("portal-base-url", defaultBaseURL, "Base URL of the vendor portal BFF host")
	timeout := lflag.Duration("portal-timeout", 30*time.Second, "Request timeout for portal calls")

	c := &Client{}
	lflag.Do(func() {
		c.client = common.HTTPClient(*timeout)
		c.baseURL = *baseURL
	})
	return c
}

// ID is an identifier field the portal serves inconsistently as either a
// JSON string or a JSON number.
type ID string

func (f *ID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = ID(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = ID(n.String())
	return nil
}

func (f ID) String() string { return string(f) }

// Int returns the identifier as an integer, or 0 if it isn't numeric.
func (f ID) Int() int64 {
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

type loginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	ChangePwd   bool   `json:"changePwd"`
	NewPassword string `json:"newPassword"`
	ReturnURL   string `json:"ReturnUrl"`
}

type loginResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	ExpireDate   string `json:"expireDate"`
}

// LoginResult is the consumed subset of a successful login.
type LoginResult struct {
	AccessToken string
	ExpiresIn   int
}

// UserInfo is the response of the user lookup.
type UserInfo struct {
	Accounts           []ID   `json:"Accounts"`
	ContactID          ID     `json:"ContactId"`
	FirstName          string `json:"FirstName"`
	LastName           string `json:"LastName"`
	Email              string `json:"Email"`
	Phone              string `json:"Phone"`
	HasNationalAccount bool   `json:"HasNationalAccount"`
}

// AccountSummary is the raw, un-derived account summary response.
type AccountSummary struct {
	AccountID        ID                `json:"AccountId"`
	Name             string            `json:"Name"`
	Address1         string            `json:"Address1"`
	City             string            `json:"City"`
	Postal           string            `json:"Postal"`
	FinancialSummary *FinancialSummary `json:"FinancialSummary"`
	SiteSummary      []SiteSummary     `json:"SiteSummary"`
}

type FinancialSummary struct {
	PaymentTerms string   `json:"PaymentTerms"`
	Balance      *float64 `json:"Balance"`
}

type SiteSummary struct {
	SiteID    ID                 `json:"SiteId"`
	SiteName  string             `json:"SiteName"`
	Address1  string             `json:"Address1"`
	City      string             `json:"City"`
	State     string             `json:"State"`
	IPSummary []InstalledProduct `json:"IPSummary"`
}

type InstalledProduct struct {
	InstalledProductID      ID       `json:"InstalledProductId"`
	ProductID               ID       `json:"ProductId"`
	ProductDescription      string   `json:"ProductDescription"`
	TankMonitor             string   `json:"TankMonitor"`
	TankOwnership           string   `json:"TankOwnership"`
	FullCapacity            *float64 `json:"FullCapacity"`
	FillCapacity            *float64 `json:"FillCapacity"`
	EstCurrPct              *float64 `json:"EstCurrPct"`
	EstimatedPercentageDate string   `json:"EstimatedPercentageDate"`
	MinimumFillQuantity     *float64 `json:"MinimumFillQuantity"`
}

// OrderSummary is one entry of a tank's order list.
type OrderSummary struct {
	OrderID      ID     `json:"OrderId"`
	CompleteDate string `json:"CompleteDate"`
	OrderStatus  string `json:"OrderStatus"`
}

// OrderDetail is a full order with line items and pricing.
type OrderDetail struct {
	OrderID      ID              `json:"OrderId"`
	CompleteDate string          `json:"CompleteDate"`
	GrandTotal   *float64        `json:"GrandTotal"`
	LineItems    []OrderLineItem `json:"LineItems"`
}

type OrderLineItem struct {
	ProductDescription string   `json:"ProductDescription"`
	Quantity           *float64 `json:"Quantity"`
	UnitPrice          *float64 `json:"UnitPrice"`
	Amount             *float64 `json:"Amount"`
}

// Login authenticates with the portal and returns the bearer token. The
// response also carries a refresh token; it is deliberately discarded
// because the poll schedule re-authenticates fully each cycle instead of
// managing refresh-token lifetime.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	req, err := c.newPostJSONRequest(ctx, loginPath, loginRequest{
		Username: username,
		Password: password,
	})
	if err != nil {
		return LoginResult{}, err
	}

	var res loginResponse
	if err := c.do(req, "login", &res); err != nil {
		return LoginResult{}, err
	}

	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "login rejected"
		}
		log.Ctx(ctx).WarnContext(ctx, "portal login rejected", slog.String("reason", reason))
		return LoginResult{}, &AuthError{Reason: reason}
	}
	if res.AccessToken == "" {
		return LoginResult{}, &AuthError{Reason: "login succeeded but access token missing"}
	}

	log.Ctx(ctx).DebugContext(ctx, "portal login success", slog.String("username", username))
	return LoginResult{AccessToken: res.AccessToken, ExpiresIn: res.ExpiresIn}, nil
}

// GetUser returns the portal user's accounts and contact metadata.
func (c *Client) GetUser(ctx context.Context, bearerToken string) (UserInfo, error) {
	req, err := c.newGetRequest(ctx, userMePath, bearerToken)
	if err != nil {
		return UserInfo{}, err
	}

	var res UserInfo
	if err := c.do(req, "user lookup", &res); err != nil {
		return UserInfo{}, err
	}
	return res, nil
}

// GetAccountSummary returns the raw summary of one account: balance, sites
// and installed tanks.
func (c *Client) GetAccountSummary(ctx context.Context, bearerToken, accountID string) (AccountSummary, error) {
	req, err := c.newGetRequest(ctx, accountSummaryPath+url.PathEscape(accountID), bearerToken)
	if err != nil {
		return AccountSummary{}, err
	}

	var res AccountSummary
	if err := c.do(req, "account summary", &res); err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return AccountSummary{}, &NotFoundError{Kind: "account", ID: accountID}
		}
		return AccountSummary{}, err
	}
	return res, nil
}

// ListOrders returns the order summaries for one tank. An empty list is a
// legitimate result, not a failure.
func (c *Client) ListOrders(ctx context.Context, bearerToken, installedProductID string) ([]OrderSummary, error) {
	req, err := c.newGetRequest(ctx, ordersByIPPath+url.PathEscape(installedProductID), bearerToken)
	if err != nil {
		return nil, err
	}

	var res []OrderSummary
	if err := c.do(req, "order list", &res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetOrderDetail returns the full order with line items and pricing. A
// missing or deleted order surfaces as NotFoundError.
func (c *Client) GetOrderDetail(ctx context.Context, bearerToken, orderID string) (OrderDetail, error) {
	req, err := c.newGetRequest(ctx, orderDetailPath+url.PathEscape(orderID), bearerToken)
	if err != nil {
		return OrderDetail{}, err
	}

	var res OrderDetail
	if err := c.do(req, "order detail", &res); err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return OrderDetail{}, &NotFoundError{Kind: "order", ID: orderID}
		}
		return OrderDetail{}, err
	}
	return res, nil
}

func (c *Client) newPostJSONRequest(ctx context.Context, endpoint string, data interface{}) (*http.Request, error) {
	u, err := url.JoinPath(c.baseURL, endpoint)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) newGetRequest(ctx context.Context, endpoint, bearerToken string) (*http.Request, error) {
	u, err := url.JoinPath(c.baseURL, endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	return req, nil
}

// do runs the request and decodes the JSON body into dest, classifying
// every failure into the portal error taxonomy.
func (c *Client) do(req *http.Request, op string, dest interface{}) error {
	ctx := req.Context()

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Reason: fmt.Sprintf("%s: HTTP %d", op, resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Kind: op, ID: req.URL.Path}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{Op: op, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode portal response",
			slog.String("op", op), slog.Any("error", err))
		return &ProtocolError{Op: op, Err: err}
	}
	return nil
}
