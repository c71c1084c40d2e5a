package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type TxType string

const (
	TxCreateUser  TxType = "CreateUser"
	TxAttestation TxType = "Attestation"
	TxAPReveal    TxType = "APReveal"
)

type QuestionType string

const (
	MultipleChoice QuestionType = "multiple-choice"
	FreeResponse   QuestionType = "free-response"
)

// Payload is the variant part of a transaction. The set of implementations is
// closed: CreateUserPayload, AttestationPayload and APRevealPayload.
type Payload interface {
	TxType() TxType
	Validate() error
	sealed()
}

type CreateUserPayload struct {
	Username string `json:"username"`
}

type AttestationPayload struct {
	QuestionID   string       `json:"questionId"`
	QuestionType QuestionType `json:"questionType"`
	Answer       string       `json:"answer,omitempty"`
	Score        *float64     `json:"score,omitempty"`
}

// APRevealPayload publishes the official answer for a question.
type APRevealPayload struct {
	QuestionID string   `json:"questionId"`
	Answer     string   `json:"answer,omitempty"`
	Score      *float64 `json:"score,omitempty"`
}

func (*CreateUserPayload) TxType() TxType  { return TxCreateUser }
func (*AttestationPayload) TxType() TxType { return TxAttestation }
func (*APRevealPayload) TxType() TxType    { return TxAPReveal }

func (*CreateUserPayload) sealed()  {}
func (*AttestationPayload) sealed() {}
func (*APRevealPayload) sealed()    {}

func (p *CreateUserPayload) Validate() error {
	if p.Username == "" {
		return fmt.Errorf("%w: username is required", ErrFormat)
	}
	return nil
}

func (p *AttestationPayload) Validate() error {
	if p.QuestionID == "" {
		return fmt.Errorf("%w: question id is required", ErrFormat)
	}
	switch p.QuestionType {
	case MultipleChoice:
		if p.Answer == "" {
			return fmt.Errorf("%w: multiple-choice attestation without answer", ErrFormat)
		}
	case FreeResponse:
		if p.Score == nil {
			return fmt.Errorf("%w: free-response attestation without score", ErrFormat)
		}
	default:
		return fmt.Errorf("%w: unknown question type %q", ErrFormat, p.QuestionType)
	}
	return nil
}

func (p *APRevealPayload) Validate() error {
	if p.QuestionID == "" {
		return fmt.Errorf("%w: question id is required", ErrFormat)
	}
	if p.Answer == "" && p.Score == nil {
		return fmt.Errorf("%w: reveal carries neither answer nor score", ErrFormat)
	}
	return nil
}

// Transaction is immutable once created.
type Transaction struct {
	Hash           string  `json:"hash"`
	TxType         TxType  `json:"txType"`
	Timestamp      int64   `json:"timestamp"` // unix milliseconds
	AttesterPubkey string  `json:"attesterPubkey"`
	Signature      string  `json:"signature"`
	Data           Payload `json:"data"`
	Nonce          string  `json:"nonce"`
	AnonymousSig   string  `json:"anonymousSig,omitempty"`
	IsMatch        *bool   `json:"isMatch,omitempty"`
}

// canonicalTx is the signed and hashed portion of a transaction.
type canonicalTx struct {
	TxType         TxType  `json:"txType"`
	Timestamp      int64   `json:"timestamp"`
	AttesterPubkey string  `json:"attesterPubkey"`
	Data           Payload `json:"data"`
}

// CanonicalBytes returns the message that is both hashed and signed.
func (tx *Transaction) CanonicalBytes() ([]byte, error) {
	return json.Marshal(canonicalTx{
		TxType:         tx.TxType,
		Timestamp:      tx.Timestamp,
		AttesterPubkey: tx.AttesterPubkey,
		Data:           tx.Data,
	})
}

// ComputeHash recomputes the transaction hash from its canonical form.
func (tx *Transaction) ComputeHash() (string, error) {
	data, err := tx.CanonicalBytes()
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// CheckPayload verifies that the payload variant agrees with the declared type
// and is well formed.
func (tx *Transaction) CheckPayload() error {
	if tx.Data == nil {
		return fmt.Errorf("%w: transaction %s has no payload", ErrFormat, tx.Hash)
	}
	if tx.Data.TxType() != tx.TxType {
		return fmt.Errorf("%w: payload %s does not match type %s", ErrFormat, tx.Data.TxType(), tx.TxType)
	}
	return tx.Data.Validate()
}

// Attestation returns the attestation payload, if tx is one.
func (tx *Transaction) Attestation() (*AttestationPayload, bool) {
	p, ok := tx.Data.(*AttestationPayload)
	return p, ok
}

// Reveal returns the reveal payload, if tx is one.
func (tx *Transaction) Reveal() (*APRevealPayload, bool) {
	p, ok := tx.Data.(*APRevealPayload)
	return p, ok
}

// CreateUser returns the identity payload, if tx is one.
func (tx *Transaction) CreateUser() (*CreateUserPayload, bool) {
	p, ok := tx.Data.(*CreateUserPayload)
	return p, ok
}

// QuestionID returns the question a transaction refers to, or "" for
// transactions that are not about a question.
func (tx *Transaction) QuestionID() string {
	switch p := tx.Data.(type) {
	case *AttestationPayload:
		return p.QuestionID
	case *APRevealPayload:
		return p.QuestionID
	case *CreateUserPayload:
		return ""
	default:
		return ""
	}
}

func (tx *Transaction) UnmarshalJSON(b []byte) error {
	type plain Transaction
	var raw struct {
		plain
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	*tx = Transaction(raw.plain)

	payload, err := decodePayload(raw.TxType, raw.Data)
	if err != nil {
		return err
	}
	tx.Data = payload
	return nil
}

func decodePayload(txType TxType, data json.RawMessage) (Payload, error) {
	var payload Payload
	switch txType {
	case TxCreateUser:
		payload = &CreateUserPayload{}
	case TxAttestation:
		payload = &AttestationPayload{}
	case TxAPReveal:
		payload = &APRevealPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown transaction type %q", ErrFormat, txType)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("%w: %s transaction without data", ErrFormat, txType)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrFormat, txType, err)
	}
	return payload, nil
}
