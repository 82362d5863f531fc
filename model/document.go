/*
Copyright 2026 The kra-vscu-microservice Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

func init() {
	// The authority expects amounts as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Document is a typed business document accepted from a point-of-sale client.
// Each kind maps itself explicitly to the body the authority expects.
type Document interface {
	Kind() DocumentKind
	Validate() error
	// ToUpstream builds the outbound body. tin and bhfID are the opened tenant
	// fields and sequenceNo is the number assigned when the record was stored.
	ToUpstream(tin, bhfID string, sequenceNo int64) interface{}
}

// DecodeDocuments parses a JSON array body into documents of the given kind.
func DecodeDocuments(kind DocumentKind, body []byte) ([]Document, error) {
	switch kind {
	case KindSale:
		var sales []SaleInvoice
		if err := json.Unmarshal(body, &sales); err != nil {
			return nil, err
		}
		docs := make([]Document, 0, len(sales))
		for i := range sales {
			docs = append(docs, &sales[i])
		}
		return docs, nil
	case KindStockMaster:
		var items []StockMasterItem
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		docs := make([]Document, 0, len(items))
		for i := range items {
			docs = append(docs, &items[i])
		}
		return docs, nil
	case KindItem:
		var items []ItemMaster
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		docs := make([]Document, 0, len(items))
		for i := range items {
			docs = append(docs, &items[i])
		}
		return docs, nil
	}
	return nil, fmt.Errorf("unsupported document kind %q", kind)
}

// DecodeDocument parses a stored payload back into its typed document.
func DecodeDocument(kind DocumentKind, payload []byte) (Document, error) {
	var doc Document
	switch kind {
	case KindSale:
		doc = &SaleInvoice{}
	case KindStockMaster:
		doc = &StockMasterItem{}
	case KindItem:
		doc = &ItemMaster{}
	default:
		return nil, fmt.Errorf("unsupported document kind %q", kind)
	}
	if err := json.Unmarshal(payload, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// SaleInvoice is a sales receipt as submitted by the point of sale.
// The invoice number is never taken from the client.
type SaleInvoice struct {
	TrdInvcNo    int64           `json:"trdInvcNo"`
	OrgInvcNo    int64           `json:"orgInvcNo"`
	CustTin      string          `json:"custTin,omitempty"`
	CustNm       string          `json:"custNm,omitempty"`
	SalesTyCd    string          `json:"salesTyCd"`
	RcptTyCd     string          `json:"rcptTyCd"`
	PmtTyCd      string          `json:"pmtTyCd"`
	SalesSttsCd  string          `json:"salesSttsCd"`
	CfmDt        string          `json:"cfmDt"`
	SalesDt      string          `json:"salesDt"`
	StockRlsDt   string          `json:"stockRlsDt,omitempty"`
	CnclReqDt    string          `json:"cnclReqDt,omitempty"`
	CnclDt       string          `json:"cnclDt,omitempty"`
	RfdDt        string          `json:"rfdDt,omitempty"`
	RfdRsnCd     string          `json:"rfdRsnCd,omitempty"`
	TotItemCnt   int             `json:"totItemCnt"`
	TaxblAmtA    decimal.Decimal `json:"taxblAmtA"`
	TaxblAmtB    decimal.Decimal `json:"taxblAmtB"`
	TaxblAmtC    decimal.Decimal `json:"taxblAmtC"`
	TaxblAmtD    decimal.Decimal `json:"taxblAmtD"`
	TaxblAmtE    decimal.Decimal `json:"taxblAmtE"`
	TaxRtA       decimal.Decimal `json:"taxRtA"`
	TaxRtB       decimal.Decimal `json:"taxRtB"`
	TaxRtC       decimal.Decimal `json:"taxRtC"`
	TaxRtD       decimal.Decimal `json:"taxRtD"`
	TaxRtE       decimal.Decimal `json:"taxRtE"`
	TaxAmtA      decimal.Decimal `json:"taxAmtA"`
	TaxAmtB      decimal.Decimal `json:"taxAmtB"`
	TaxAmtC      decimal.Decimal `json:"taxAmtC"`
	TaxAmtD      decimal.Decimal `json:"taxAmtD"`
	TaxAmtE      decimal.Decimal `json:"taxAmtE"`
	TotTaxblAmt  decimal.Decimal `json:"totTaxblAmt"`
	TotTaxAmt    decimal.Decimal `json:"totTaxAmt"`
	TotAmt       decimal.Decimal `json:"totAmt"`
	PrchrAcptcYn string          `json:"prchrAcptcYn"`
	Remark       string          `json:"remark,omitempty"`
	RegrID       string          `json:"regrId"`
	RegrNm       string          `json:"regrNm"`
	ModrID       string          `json:"modrId"`
	ModrNm       string          `json:"modrNm"`
	Receipt      Receipt         `json:"receipt"`
	ItemList     []SaleItem      `json:"itemList"`
}

// Receipt carries the printed receipt details of a sale.
type Receipt struct {
	CustTin      string `json:"custTin,omitempty"`
	CustMblNo    string `json:"custMblNo,omitempty"`
	RptNo        int64  `json:"rptNo"`
	TrdeNm       string `json:"trdeNm,omitempty"`
	Adrs         string `json:"adrs,omitempty"`
	TopMsg       string `json:"topMsg,omitempty"`
	BtmMsg       string `json:"btmMsg,omitempty"`
	PrchrAcptcYn string `json:"prchrAcptcYn"`
}

// SaleItem is one line of a sale.
type SaleItem struct {
	ItemSeq   int              `json:"itemSeq"`
	ItemCd    string           `json:"itemCd"`
	ItemClsCd string           `json:"itemClsCd"`
	ItemNm    string           `json:"itemNm"`
	Bcd       string           `json:"bcd,omitempty"`
	PkgUnitCd string           `json:"pkgUnitCd"`
	Pkg       decimal.Decimal  `json:"pkg"`
	QtyUnitCd string           `json:"qtyUnitCd"`
	Qty       decimal.Decimal  `json:"qty"`
	Prc       decimal.Decimal  `json:"prc"`
	SplyAmt   decimal.Decimal  `json:"splyAmt"`
	DcRt      decimal.Decimal  `json:"dcRt"`
	DcAmt     decimal.Decimal  `json:"dcAmt"`
	IsrccCd   string           `json:"isrccCd,omitempty"`
	IsrccNm   string           `json:"isrccNm,omitempty"`
	IsrcRt    *decimal.Decimal `json:"isrcRt,omitempty"`
	IsrcAmt   *decimal.Decimal `json:"isrcAmt,omitempty"`
	TaxTyCd   string           `json:"taxTyCd"`
	TaxblAmt  decimal.Decimal  `json:"taxblAmt"`
	TaxAmt    decimal.Decimal  `json:"taxAmt"`
	TotAmt    decimal.Decimal  `json:"totAmt"`
}

var yesNo = validation.In("Y", "N")

func dateLayout(layout string) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		if _, err := time.Parse(layout, s); err != nil {
			return fmt.Errorf("must be formatted as %s", layout)
		}
		return nil
	}
}

func nonNegative(value interface{}) error {
	switch d := value.(type) {
	case decimal.Decimal:
		if d.IsNegative() {
			return errors.New("must not be negative")
		}
	case *decimal.Decimal:
		if d != nil && d.IsNegative() {
			return errors.New("must not be negative")
		}
	}
	return nil
}

const (
	dateTimeLayout = "20060102150405"
	dateLayoutDay  = "20060102"
)

func (s *SaleInvoice) Kind() DocumentKind { return KindSale }

// Validate checks required codes and that the declared item count matches the list.
func (s *SaleInvoice) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.TrdInvcNo, validation.Required),
		validation.Field(&s.SalesTyCd, validation.Required),
		validation.Field(&s.RcptTyCd, validation.Required),
		validation.Field(&s.PmtTyCd, validation.Required),
		validation.Field(&s.SalesSttsCd, validation.Required),
		validation.Field(&s.CfmDt, validation.Required, validation.By(dateLayout(dateTimeLayout))),
		validation.Field(&s.SalesDt, validation.Required, validation.By(dateLayout(dateLayoutDay))),
		validation.Field(&s.StockRlsDt, validation.By(dateLayout(dateTimeLayout))),
		validation.Field(&s.PrchrAcptcYn, validation.Required, yesNo),
		validation.Field(&s.RegrID, validation.Required),
		validation.Field(&s.RegrNm, validation.Required),
		validation.Field(&s.ModrID, validation.Required),
		validation.Field(&s.ModrNm, validation.Required),
		validation.Field(&s.TotAmt, validation.By(nonNegative)),
		validation.Field(&s.Receipt),
		validation.Field(&s.ItemList, validation.Required),
		validation.Field(&s.TotItemCnt, validation.By(func(value interface{}) error {
			if s.TotItemCnt != len(s.ItemList) {
				return fmt.Errorf("totItemCnt %d does not match %d items in itemList", s.TotItemCnt, len(s.ItemList))
			}
			return nil
		})),
	)
}

func (r Receipt) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PrchrAcptcYn, validation.Required, yesNo),
	)
}

func (i SaleItem) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.ItemCd, validation.Required),
		validation.Field(&i.ItemClsCd, validation.Required),
		validation.Field(&i.ItemNm, validation.Required),
		validation.Field(&i.PkgUnitCd, validation.Required),
		validation.Field(&i.QtyUnitCd, validation.Required),
		validation.Field(&i.TaxTyCd, validation.Required),
		validation.Field(&i.Qty, validation.By(nonNegative)),
		validation.Field(&i.Prc, validation.By(nonNegative)),
		validation.Field(&i.TotAmt, validation.By(nonNegative)),
	)
}

// Normalize renumbers itemSeq 1..n in list order.
func (s *SaleInvoice) Normalize() {
	for i := range s.ItemList {
		s.ItemList[i].ItemSeq = i + 1
	}
}

type saleUpstream struct {
	Tin    string `json:"tin"`
	BhfID  string `json:"bhfId"`
	InvcNo int64  `json:"invcNo"`
	*SaleInvoice
}

func (s *SaleInvoice) ToUpstream(tin, bhfID string, sequenceNo int64) interface{} {
	return saleUpstream{Tin: tin, BhfID: bhfID, InvcNo: sequenceNo, SaleInvoice: s}
}

// StockMasterItem reports the remaining quantity of one item.
type StockMasterItem struct {
	ItemCd string          `json:"itemCd"`
	RsdQty decimal.Decimal `json:"rsdQty"`
	RegrNm string          `json:"regrNm"`
	RegrID string          `json:"regrId"`
	ModrNm string          `json:"modrNm"`
	ModrID string          `json:"modrId"`
}

func (s *StockMasterItem) Kind() DocumentKind { return KindStockMaster }

func (s *StockMasterItem) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.ItemCd, validation.Required, validation.Length(1, 20)),
		validation.Field(&s.RsdQty, validation.By(nonNegative)),
		validation.Field(&s.RegrNm, validation.Required),
		validation.Field(&s.RegrID, validation.Required),
		validation.Field(&s.ModrNm, validation.Required),
		validation.Field(&s.ModrID, validation.Required),
	)
}

type stockMasterUpstream struct {
	Tin   string `json:"tin"`
	BhfID string `json:"bhfId"`
	*StockMasterItem
}

func (s *StockMasterItem) ToUpstream(tin, bhfID string, _ int64) interface{} {
	return stockMasterUpstream{Tin: tin, BhfID: bhfID, StockMasterItem: s}
}

// ItemMaster registers a product with the authority.
type ItemMaster struct {
	ItemCd      string           `json:"itemCd"`
	ItemClsCd   string           `json:"itemClsCd"`
	ItemTyCd    string           `json:"itemTyCd"`
	ItemNm      string           `json:"itemNm"`
	ItemStdNm   string           `json:"itemStdNm,omitempty"`
	OrgnNatCd   string           `json:"orgnNatCd"`
	PkgUnitCd   string           `json:"pkgUnitCd"`
	QtyUnitCd   string           `json:"qtyUnitCd"`
	TaxTyCd     string           `json:"taxTyCd"`
	BtchNo      string           `json:"btchNo,omitempty"`
	Bcd         string           `json:"bcd,omitempty"`
	DftPrc      decimal.Decimal  `json:"dftPrc"`
	GrpPrcL1    *decimal.Decimal `json:"grpPrcL1,omitempty"`
	GrpPrcL2    *decimal.Decimal `json:"grpPrcL2,omitempty"`
	GrpPrcL3    *decimal.Decimal `json:"grpPrcL3,omitempty"`
	GrpPrcL4    *decimal.Decimal `json:"grpPrcL4,omitempty"`
	GrpPrcL5    *decimal.Decimal `json:"grpPrcL5,omitempty"`
	AddInfo     string           `json:"addInfo,omitempty"`
	SftyQty     *decimal.Decimal `json:"sftyQty,omitempty"`
	IsrcAplcbYn string           `json:"isrcAplcbYn"`
	UseYn       string           `json:"useYn"`
	RegrNm      string           `json:"regrNm"`
	RegrID      string           `json:"regrId"`
	ModrNm      string           `json:"modrNm"`
	ModrID      string           `json:"modrId"`
}

func (i *ItemMaster) Kind() DocumentKind { return KindItem }

func (i *ItemMaster) Validate() error {
	return validation.ValidateStruct(i,
		validation.Field(&i.ItemCd, validation.Required, validation.Length(1, 20)),
		validation.Field(&i.ItemClsCd, validation.Required, validation.Length(1, 10)),
		validation.Field(&i.ItemTyCd, validation.Required, validation.Length(1, 5)),
		validation.Field(&i.ItemNm, validation.Required, validation.Length(1, 200)),
		validation.Field(&i.OrgnNatCd, validation.Required, validation.Length(1, 5)),
		validation.Field(&i.PkgUnitCd, validation.Required, validation.Length(1, 5)),
		validation.Field(&i.QtyUnitCd, validation.Required, validation.Length(1, 5)),
		validation.Field(&i.TaxTyCd, validation.Required, validation.Length(1, 5)),
		validation.Field(&i.BtchNo, validation.Length(0, 10)),
		validation.Field(&i.Bcd, validation.Length(0, 20)),
		validation.Field(&i.AddInfo, validation.Length(0, 7)),
		validation.Field(&i.DftPrc, validation.By(nonNegative)),
		validation.Field(&i.SftyQty, validation.By(nonNegative)),
		validation.Field(&i.IsrcAplcbYn, validation.Required, yesNo),
		validation.Field(&i.UseYn, validation.Required, yesNo),
		validation.Field(&i.RegrNm, validation.Required),
		validation.Field(&i.RegrID, validation.Required),
		validation.Field(&i.ModrNm, validation.Required),
		validation.Field(&i.ModrID, validation.Required),
	)
}

type itemUpstream struct {
	Tin   string `json:"tin"`
	BhfID string `json:"bhfId"`
	*ItemMaster
}

func (i *ItemMaster) ToUpstream(tin, bhfID string, _ int64) interface{} {
	return itemUpstream{Tin: tin, BhfID: bhfID, ItemMaster: i}
}
