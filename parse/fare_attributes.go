package parse

import (
	"fmt"
	"io"
	"strconv"

	"github.com/gocarina/gocsv"

	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
)

type FareAttributeCSV struct {
	FareID           string `csv:"fare_id"`
	Price            string `csv:"price"`
	CurrencyType     string `csv:"currency_type"`
	PaymentMethod    int8   `csv:"payment_method"`
	Transfers        string `csv:"transfers"`
	TransferDuration int64  `csv:"transfer_duration"`
	AgencyID         string `csv:"agency_id"`
}

func ParseFareAttributes(writer storage.FeedWriter, data io.Reader) (map[string]bool, error) {
	fareCsv := []*FareAttributeCSV{}
	if err := gocsv.Unmarshal(data, &fareCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling fare_attributes csv: %w", err)
	}

	fares := map[string]bool{}
	for _, f := range fareCsv {
		if f.FareID == "" {
			return nil, fmt.Errorf("missing fare_id")
		}
		if fares[f.FareID] {
			return nil, fmt.Errorf("repeated fare_id '%s'", f.FareID)
		}
		fares[f.FareID] = true

		price, err := strconv.ParseFloat(f.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("fare_id '%s': invalid price: %w", f.FareID, err)
		}

		if f.PaymentMethod != int8(model.PaymentMethodOnBoard) && f.PaymentMethod != int8(model.PaymentMethodPrepay) {
			return nil, fmt.Errorf("fare_id '%s': invalid payment_method: %d", f.FareID, f.PaymentMethod)
		}

		transfers := model.TransferUnlimited
		if f.Transfers != "" {
			n, err := strconv.Atoi(f.Transfers)
			if err != nil {
				return nil, fmt.Errorf("fare_id '%s': invalid transfers: %w", f.FareID, err)
			}
			transfers = model.TransferType(n)
		}

		err = writer.WriteFareAttribute(model.FareAttribute{
			FareID:           f.FareID,
			Price:            price,
			CurrencyType:     f.CurrencyType,
			PaymentMethod:    model.PaymentMethod(f.PaymentMethod),
			Transfers:        transfers,
			TransferDuration: f.TransferDuration,
			AgencyID:         f.AgencyID,
		})
		if err != nil {
			return nil, fmt.Errorf("writing fare_attribute: %w", err)
		}
	}

	return fares, nil
}
