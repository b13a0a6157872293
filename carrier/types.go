package carrier

import "github.com/zoobzio/shipz"

// Wire shapes sent to the quotations endpoint.

type quotationRequest struct {
	From   address `json:"address_from"`
	To     address `json:"address_to"`
	Parcel parcel  `json:"parcel"`
}

type address struct {
	Zip      string `json:"zip"`
	Province string `json:"province"`
	City     string `json:"city"`
	Country  string `json:"country"`
	Line1    string `json:"address1,omitempty"`
	Line2    string `json:"address2,omitempty"`
}

type parcel struct {
	WeightKg float64 `json:"weight"`
	LengthCm int     `json:"length"`
	WidthCm  int     `json:"width"`
	HeightCm int     `json:"height"`
}

func toWire(a shipz.NormalizedAddress) address {
	return address{
		Zip:      a.PostalCode,
		Province: a.State,
		City:     a.City,
		Country:  a.Country,
		Line1:    a.Line1,
		Line2:    a.Line2,
	}
}
