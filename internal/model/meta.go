package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidMeta возвращается, если метаданные не соответствуют типу транзакции.
var ErrInvalidMeta = errors.New("invalid transaction meta")

// Meta — закрытый набор структур метаданных, по одной на тип транзакции.
type Meta interface {
	TransactionType() TransactionType
	sealed()
}

// DepositMeta описывает пополнение кошелька через платёжного провайдера.
type DepositMeta struct {
	Channel   string `json:"channel"`
	PayerName string `json:"payer_name,omitempty"`
	BankName  string `json:"bank_name,omitempty"`
}

// PurchaseMeta описывает оплату услуги (связь, электричество, ТВ).
type PurchaseMeta struct {
	BillerCode  string `json:"biller_code"`
	ProductCode string `json:"product_code,omitempty"`
	CustomerID  string `json:"customer_id"`
	Phone       string `json:"phone,omitempty"`
}

// WithdrawalMeta описывает вывод средств на банковский счёт.
type WithdrawalMeta struct {
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name,omitempty"`
}

// CryptoTradeMeta описывает продажу криптовалюты за средства кошелька.
type CryptoTradeMeta struct {
	Asset   string `json:"asset"`
	Network string `json:"network,omitempty"`
	Units   string `json:"units"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// GiftCardTradeMeta описывает продажу подарочной карты.
type GiftCardTradeMeta struct {
	Brand     string `json:"brand"`
	Country   string `json:"country,omitempty"`
	FaceValue string `json:"face_value"`
}

// ReversalMeta фиксирует административную отмену успешной транзакции.
type ReversalMeta struct {
	Reason     string    `json:"reason"`
	ActorID    string    `json:"actor_id"`
	ReversedAt time.Time `json:"reversed_at"`
}

func (DepositMeta) TransactionType() TransactionType       { return TransactionTypeDeposit }
func (PurchaseMeta) TransactionType() TransactionType      { return TransactionTypePurchase }
func (WithdrawalMeta) TransactionType() TransactionType    { return TransactionTypeWithdrawal }
func (CryptoTradeMeta) TransactionType() TransactionType   { return TransactionTypeCryptoSell }
func (GiftCardTradeMeta) TransactionType() TransactionType { return TransactionTypeGiftCardSell }

func (DepositMeta) sealed()       {}
func (PurchaseMeta) sealed()      {}
func (WithdrawalMeta) sealed()    {}
func (CryptoTradeMeta) sealed()   {}
func (GiftCardTradeMeta) sealed() {}

// EncodeMeta сериализует метаданные в JSON. Пустые метаданные кодируются как null.
func EncodeMeta(m Meta) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m)
}

// DecodeMeta восстанавливает метаданные нужного варианта по типу транзакции.
func DecodeMeta(t TransactionType, raw []byte) (Meta, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var (
		m   Meta
		err error
	)
	switch t {
	case TransactionTypeDeposit:
		var v DepositMeta
		err = json.Unmarshal(raw, &v)
		m = v
	case TransactionTypePurchase:
		var v PurchaseMeta
		err = json.Unmarshal(raw, &v)
		m = v
	case TransactionTypeWithdrawal:
		var v WithdrawalMeta
		err = json.Unmarshal(raw, &v)
		m = v
	case TransactionTypeCryptoSell:
		var v CryptoTradeMeta
		err = json.Unmarshal(raw, &v)
		m = v
	case TransactionTypeGiftCardSell:
		var v GiftCardTradeMeta
		err = json.Unmarshal(raw, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTransactionType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}
	return m, nil
}

// CheckMeta проверяет, что вариант метаданных соответствует типу транзакции.
func CheckMeta(t TransactionType, m Meta) error {
	if m == nil {
		return nil
	}
	if m.TransactionType() != t {
		return fmt.Errorf("%w: %s meta for %s transaction", ErrInvalidMeta, m.TransactionType(), t)
	}
	return nil
}
