package storage

import (
	"time"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

// buildQuery translates an EventQuery into OpenSearch query DSL.
func buildQuery(q models.EventQuery) map[string]interface{} {
	filter := []interface{}{
		term(models.FieldCaseID, q.CaseID),
	}
	mustNot := []interface{}{}

	if len(q.FileIDs) > 0 {
		filter = append(filter, map[string]interface{}{
			"terms": map[string]interface{}{models.FieldFileID: q.FileIDs},
		})
	}
	if q.HasRuleHit != nil {
		filter = append(filter, term(models.FieldHasRuleHit, *q.HasRuleHit))
	}
	if q.HasIOC != nil {
		filter = append(filter, term(models.FieldHasIOC, *q.HasIOC))
	}
	if !q.IncludeHidden {
		mustNot = append(mustNot, term(models.FieldIsHidden, true))
	}
	if q.From != nil || q.To != nil {
		bounds := map[string]interface{}{}
		if q.From != nil {
			bounds["gte"] = q.From.UTC().Format(time.RFC3339Nano)
		}
		if q.To != nil {
			bounds["lte"] = q.To.UTC().Format(time.RFC3339Nano)
		}
		filter = append(filter, map[string]interface{}{
			"range": map[string]interface{}{models.FieldTimestamp: bounds},
		})
	}

	should := []interface{}{}
	if q.Text != "" {
		should = append(should, map[string]interface{}{
			"match_phrase": map[string]interface{}{models.FieldSearchBlob: q.Text},
		})
	}
	for _, field := range q.TermFields {
		for _, value := range q.Terms {
			should = append(should, map[string]interface{}{
				"term": map[string]interface{}{
					field: map[string]interface{}{"value": value, "case_insensitive": true},
				},
			})
		}
	}

	boolQuery := map[string]interface{}{"filter": filter}
	if len(mustNot) > 0 {
		boolQuery["must_not"] = mustNot
	}
	if len(should) > 0 {
		boolQuery["should"] = should
		boolQuery["minimum_should_match"] = 1
	}
	return map[string]interface{}{"bool": boolQuery}
}

// fileFilter selects every document of the given files, hidden or not.
func fileFilter(caseID int64, fileIDs []int64) map[string]interface{} {
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"filter": []interface{}{
				term(models.FieldCaseID, caseID),
				map[string]interface{}{
					"terms": map[string]interface{}{models.FieldFileID: fileIDs},
				},
			},
		},
	}
}

func term(field string, value interface{}) map[string]interface{} {
	return map[string]interface{}{
		"term": map[string]interface{}{field: value},
	}
}

// searchSort orders results chronologically, then by position in the file.
var searchSort = []interface{}{
	map[string]interface{}{models.FieldTimestamp: "asc"},
	map[string]interface{}{models.FieldFileID: "asc"},
	map[string]interface{}{models.FieldRecordIndex: "asc"},
}

const (
	// Union the values into the overlay list and set its flag.
	mergeFlagsScript = `if (ctx._source[params.list] == null) { ctx._source[params.list] = []; }
for (def v : params.values) { if (!ctx._source[params.list].contains(v)) { ctx._source[params.list].add(v); } }
ctx._source[params.flag] = true;`

	resetFlagsScript = `ctx._source[params.list] = []; ctx._source[params.flag] = false;`
)

// indexMappings are applied when a case index is created. Strings under
// event_data are keywords so IOC term queries match whole values.
func indexMappings() map[string]interface{} {
	keyword := map[string]interface{}{"type": "keyword"}
	boolean := map[string]interface{}{"type": "boolean"}
	return map[string]interface{}{
		"dynamic": true,
		"dynamic_templates": []map[string]interface{}{
			{
				"event_data_strings": map[string]interface{}{
					"path_match":         models.FieldEventData + ".*",
					"match_mapping_type": "string",
					"mapping": map[string]interface{}{
						"type":         "keyword",
						"ignore_above": 8191,
					},
				},
			},
		},
		"properties": map[string]interface{}{
			models.FieldEventID:     keyword,
			models.FieldCaseID:      map[string]interface{}{"type": "long"},
			models.FieldFileID:      map[string]interface{}{"type": "long"},
			models.FieldSourceType:  keyword,
			models.FieldTimestamp:   map[string]interface{}{"type": "date"},
			models.FieldHost:        keyword,
			models.FieldUser:        keyword,
			models.FieldSearchBlob:  map[string]interface{}{"type": "text"},
			models.FieldRecordIndex: map[string]interface{}{"type": "long"},
			models.FieldHasIOC:      boolean,
			models.FieldIOCMatches:  keyword,
			models.FieldHasRuleHit:  boolean,
			models.FieldRuleHits:    keyword,
			models.FieldIsHidden:    boolean,
			models.FieldEventData:   map[string]interface{}{"type": "object", "dynamic": true},
		},
	}
}
