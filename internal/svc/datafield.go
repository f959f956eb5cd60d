package svc

import (
	"context"
	"net/url"
	"strconv"

	log "github.com/sirupsen/logrus"

	"wq_miner/internal/constant"
)

type DataField struct {
	Id          string  `json:"id"`
	Description string  `json:"description"`
	Type        string  `json:"type"`
	Coverage    float64 `json:"coverage"`
	UserCount   int     `json:"userCount"`
	AlphaCount  int     `json:"alphaCount"`
}

type DataFieldQuery struct {
	InstrumentType string
	Region         string
	Delay          int
	Universe       string
	DatasetId      string
	Search         string
}

type dataFieldPage struct {
	Count   int         `json:"count"`
	Results []DataField `json:"results"`
}

// FetchDataFields pages the data-field catalog until a short page comes back.
func (brainSvc *BrainService) FetchDataFields(ctx context.Context, query DataFieldQuery) ([]DataField, error) {
	var fields []DataField
	limit := constant.DataFieldPageLimit
	for offset := 0; ; offset += limit {
		q := url.Values{}
		q.Set("instrumentType", query.InstrumentType)
		q.Set("region", query.Region)
		q.Set("delay", strconv.Itoa(query.Delay))
		q.Set("universe", query.Universe)
		if query.DatasetId != "" {
			q.Set("dataset.id", query.DatasetId)
		}
		if query.Search != "" {
			q.Set("search", query.Search)
		}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))

		var page dataFieldPage
		if err := brainSvc.getJSON(ctx, constant.DataFieldsUri+"?"+q.Encode(), &page); err != nil {
			return nil, err
		}
		fields = append(fields, page.Results...)
		if len(page.Results) < limit || (page.Count > 0 && offset+limit >= page.Count) {
			break
		}
	}
	log.Infof("fetched %d data fields for %s/%s", len(fields), query.Region, query.DatasetId)
	return fields, nil
}
