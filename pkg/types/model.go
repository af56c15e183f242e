package types

import "time"

// Credential is the customer-portal login pair. It is supplied by the
// operator at startup and passed into each poll cycle; it is never written
// to storage.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// Session is one cycle's bearer credential. It is replaced wholesale on
// every login and never mutated in place, so an in-flight fetch can keep
// using the token it started with while the next cycle logs in.
type Session struct {
	BearerToken string    `json:"-"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// Contact is the portal user's contact metadata from the user lookup.
type Contact struct {
	ContactID          string `json:"contactID,omitempty"`
	FirstName          string `json:"firstName,omitempty"`
	LastName           string `json:"lastName,omitempty"`
	Email              string `json:"email,omitempty"`
	Phone              string `json:"phone,omitempty"`
	HasNationalAccount bool   `json:"hasNationalAccount,omitempty"`
}

// Account is one customer account's subtree within a snapshot.
type Account struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	City         string   `json:"city,omitempty"`
	Postal       string   `json:"postal,omitempty"`
	PaymentTerms string   `json:"paymentTerms,omitempty"`
	Balance      *float64 `json:"balance,omitempty"`
	Sites        []Site   `json:"sites"`
}

// Site is a delivery location under an account.
type Site struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Tanks   []Tank `json:"tanks"`
}

// Tank is a monitored propane vessel. InstalledProductID is the durable
// identity the API consumer keys devices on; everything else is refreshed
// wholesale each cycle.
type Tank struct {
	InstalledProductID  string         `json:"installedProductID"`
	ProductID           string         `json:"productID,omitempty"`
	ProductDescription  string         `json:"productDescription"`
	TankMonitor         string         `json:"tankMonitor,omitempty"`
	TankOwnership       string         `json:"tankOwnership,omitempty"`
	FullCapacity        *float64       `json:"fullCapacity,omitempty"`
	FillCapacity        *float64       `json:"fillCapacity,omitempty"`
	CurrentPercent      *float64       `json:"currentPercent,omitempty"` // clamped to [0,100]
	ReadingDate         *time.Time     `json:"readingDate,omitempty"`
	MinimumFillQuantity *float64       `json:"minimumFillQuantity,omitempty"`
	LastDelivery        *Delivery      `json:"lastDelivery,omitempty"`
	Metrics             DerivedMetrics `json:"metrics"`
}

// Delivery is a historical propane fill event with quantity and pricing.
type Delivery struct {
	OrderID        string    `json:"orderID"`
	Date           time.Time `json:"date"`
	Gallons        *float64  `json:"gallons,omitempty"`
	PricePerGallon *float64  `json:"pricePerGallon,omitempty"`
	Total          *float64  `json:"total,omitempty"`
}

// DerivedMetrics are computed from a tank and its latest delivery. A nil
// field means the inputs to derive it were absent, which is distinct from
// a value of zero.
type DerivedMetrics struct {
	EstimatedGallons     *float64 `json:"estimatedGallons,omitempty"`
	EstimatedValue       *float64 `json:"estimatedValue,omitempty"`
	GallonsUsedSinceFill *float64 `json:"gallonsUsedSinceFill,omitempty"`
	EstimatedUsageCost   *float64 `json:"estimatedUsageCost,omitempty"`
}

// Snapshot is one cycle's complete normalized result set. It is immutable
// once built; each cycle produces a new Snapshot that structurally replaces
// the previous one for the consumer.
type Snapshot struct {
	TakenAt  time.Time `json:"takenAt"`
	Contact  Contact   `json:"contact"`
	Accounts []Account `json:"accounts"`
	// FailedAccounts lists account IDs whose subtree is absent because the
	// fetch failed; a non-empty list means the snapshot is partial.
	FailedAccounts []string `json:"failedAccounts,omitempty"`
}

// Partial reports whether any account subtree is missing from the snapshot.
func (s *Snapshot) Partial() bool {
	return len(s.FailedAccounts) > 0
}

// CycleHealth describes the outcome of one poll cycle.
type CycleHealth string

const (
	CycleHealthFull    CycleHealth = "full"
	CycleHealthPartial CycleHealth = "partial"
	CycleHealthFailed  CycleHealth = "failed"
)

// FailureKind classifies why a cycle (or an account within it) failed.
type FailureKind string

const (
	FailureKindAuth      FailureKind = "auth"
	FailureKindTransport FailureKind = "transport"
	FailureKindProtocol  FailureKind = "protocol"
	FailureKindNotFound  FailureKind = "notFound"
)

// CycleResult records one scheduled run of authenticate, fetch, aggregate,
// publish. A Failed cycle carries no snapshot; the previously published
// snapshot remains the consumer's last-known value.
type CycleResult struct {
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt time.Time   `json:"completedAt"`
	Health      CycleHealth `json:"health"`
	FailureKind FailureKind `json:"failureKind,omitempty"`
	Error       string      `json:"error,omitempty"`
	Accounts    int         `json:"accounts"`
	Tanks       int         `json:"tanks"`
	// Paused is set when the cycle was skipped because polling is paused.
	Paused bool `json:"paused,omitempty"`
}
