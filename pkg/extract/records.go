package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"session-capture-proxy/pkg/config"
	"session-capture-proxy/pkg/types"
)

var htmlUnescaper = strings.NewReplacer("&amp;", "&", "&quot;", "\"", "&#39;", "'", "&lt;", "<", "&gt;", ">")

// ParseRecordBatch parses a list envelope. A non-zero status or a missing
// list yields an empty batch; only a body that is not JSON is an error.
func ParseRecordBatch(target config.Target, body []byte) (types.RecordBatch, error) {
	var batch types.RecordBatch
	if !gjson.ValidBytes(body) {
		return batch, types.NewExtractionError("captured body is not valid JSON", nil).
			WithContext("size", len(body))
	}

	envelope := gjson.ParseBytes(body)
	if target.StatusField != "" {
		if status := envelope.Get(target.StatusField); status.Exists() && status.Int() != 0 {
			return batch, nil
		}
	}
	if target.LabelField != "" {
		batch.Label = strings.TrimSpace(envelope.Get(target.LabelField).String())
	}
	if target.ContinueField != "" {
		batch.Continue = envelope.Get(target.ContinueField).Int() == 1
	}

	list := envelope.Get(target.ListField)
	var nested gjson.Result
	switch {
	case list.Type == gjson.String && gjson.Valid(list.Str):
		nested = gjson.Parse(list.Str)
	case list.IsObject():
		nested = list
	default:
		return batch, nil
	}

	nested.Get("list").ForEach(func(_, msg gjson.Result) bool {
		batch.Records = append(batch.Records, flattenMessage(msg)...)
		return true
	})
	return batch, nil
}

// flattenMessage expands one message into its main item and its
// multi-item sub-list. Messages without an item are skipped.
func flattenMessage(msg gjson.Result) []types.Record {
	info := msg.Get("comm_msg_info")
	ext := msg.Get("app_msg_ext_info")
	if !ext.IsObject() {
		return nil
	}

	id := info.Get("id").String()
	var published time.Time
	if ts := info.Get("datetime").Int(); ts > 0 {
		published = time.Unix(ts, 0).UTC()
	}

	var records []types.Record
	if r, ok := recordFrom(ext, id, 0, published); ok {
		records = append(records, r)
	}
	index := 1
	ext.Get("multi_app_msg_item_list").ForEach(func(_, item gjson.Result) bool {
		if r, ok := recordFrom(item, id, index, published); ok {
			records = append(records, r)
		}
		index++
		return true
	})
	return records
}

func recordFrom(item gjson.Result, msgID string, index int, published time.Time) (types.Record, bool) {
	r := types.Record{
		Index:       index,
		Title:       htmlUnescaper.Replace(item.Get("title").String()),
		Digest:      htmlUnescaper.Replace(item.Get("digest").String()),
		URL:         htmlUnescaper.Replace(item.Get("content_url").String()),
		Cover:       htmlUnescaper.Replace(item.Get("cover").String()),
		Author:      item.Get("author").String(),
		SourceURL:   htmlUnescaper.Replace(item.Get("source_url").String()),
		PublishedAt: published,
	}
	if r.URL == "" && r.Title == "" {
		return r, false
	}
	if msgID != "" {
		r.ID = fmt.Sprintf("%s_%d", msgID, index)
	} else if fileID := item.Get("fileid").String(); fileID != "" && fileID != "0" {
		r.ID = fileID
	}
	return r, true
}
