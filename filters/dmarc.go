package filters

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/pkg/errors"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/notmuch"
)

var (
	dmarcSubjectRe = regexp.MustCompile(`(?i)^report domain:`)
	errMalformed   = errors.New("malformed DMARC report")
)

// DMARCResults tells whether every record of the inspected reports
// passed.
type DMARCResults struct {
	DKIM bool
	SPF  bool
}

type dmarcFeedback struct {
	Records []struct {
		Row *struct {
			PolicyEvaluated *struct {
				DKIM *string `xml:"dkim"`
				SPF  *string `xml:"spf"`
			} `xml:"policy_evaluated"`
		} `xml:"row"`
	} `xml:"record"`
}

// ReadDMARCReport parses one aggregate report document.
func ReadDMARCReport(document []byte) (DMARCResults, error) {
	results := DMARCResults{DKIM: true, SPF: true}
	var feedback dmarcFeedback
	if err := xml.Unmarshal(document, &feedback); err != nil {
		return results, errors.Wrap(errMalformed, err.Error())
	}
	for _, record := range feedback.Records {
		if record.Row == nil || record.Row.PolicyEvaluated == nil {
			return results, errMalformed
		}
		policy := record.Row.PolicyEvaluated
		if policy.DKIM == nil || policy.SPF == nil {
			return results, errMalformed
		}
		results.DKIM = results.DKIM && strings.TrimSpace(*policy.DKIM) == "pass"
		results.SPF = results.SPF && strings.TrimSpace(*policy.SPF) == "pass"
	}
	return results, nil
}

// reportDocuments extracts the XML reports attached to a message, either
// directly or inside zip or gzip archives.
func reportDocuments(r io.Reader) ([][]byte, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	var documents [][]byte
	err = entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) {
			return err
		}
		mimeType, _, _ := part.Header.ContentType()
		switch mimeType {
		case "application/xml", "text/xml":
			doc, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			documents = append(documents, doc)
		case "application/gzip", "application/x-gzip":
			gz, err := gzip.NewReader(part.Body)
			if err != nil {
				return errors.Wrap(errMalformed, err.Error())
			}
			doc, err := io.ReadAll(gz)
			if err != nil {
				return errors.Wrap(errMalformed, err.Error())
			}
			documents = append(documents, doc)
		case "application/zip", "application/x-zip-compressed":
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			docs, err := unzipReports(data)
			if err != nil {
				return err
			}
			documents = append(documents, docs...)
		}
		return nil
	})
	return documents, err
}

func unzipReports(data []byte) ([][]byte, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(errMalformed, err.Error())
	}
	var documents [][]byte
	for _, file := range archive.File {
		if !strings.HasSuffix(file.Name, ".xml") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, errors.Wrap(errMalformed, err.Error())
		}
		doc, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.Wrap(errMalformed, err.Error())
		}
		documents = append(documents, doc)
	}
	return documents, nil
}

// DMARCReportInspection tags DMARC aggregate reports with the overall
// DKIM and SPF outcome they describe.
type DMARCReportInspection struct {
	*Base
	dkimTags [2]string
	spfTags  [2]string
}

func newDMARCReportInspection(name string, params config.Params, env *Env) (Filter, error) {
	base, err := NewBase(name, config.Merge(config.Params{
		"message": "Inspect DMARC reports for DKIM and SPF status",
	}, params))
	if err != nil {
		return nil, err
	}
	return &DMARCReportInspection{
		Base: base,
		dkimTags: [2]string{
			params.String("dkim_fail_tag", "dmarc/dkim-fail"),
			params.String("dkim_ok_tag", "dmarc/dkim-ok"),
		},
		spfTags: [2]string{
			params.String("spf_fail_tag", "dmarc/spf-fail"),
			params.String("spf_ok_tag", "dmarc/spf-ok"),
		},
	}, nil
}

func pick(tags [2]string, ok bool) string {
	if ok {
		return tags[1]
	}
	return tags[0]
}

func (f *DMARCReportInspection) inspect(msg notmuch.Message) (DMARCResults, error) {
	results := DMARCResults{DKIM: true, SPF: true}
	files := msg.Filenames()
	if len(files) == 0 {
		return results, errors.Errorf("id:%s: no file", msg.ID())
	}
	file, err := os.Open(files[0])
	if err != nil {
		return results, err
	}
	defer file.Close()
	documents, err := reportDocuments(file)
	if err != nil {
		return results, err
	}
	for _, doc := range documents {
		r, err := ReadDMARCReport(doc)
		if err != nil {
			return results, err
		}
		results.DKIM = results.DKIM && r.DKIM
		results.SPF = results.SPF && r.SPF
	}
	return results, nil
}

func (f *DMARCReportInspection) HandleMessage(msg notmuch.Message, c *Changes) error {
	subject, err := msg.Header("Subject")
	if err != nil && !errors.Is(err, notmuch.ErrNotFound) {
		return err
	}
	if !dmarcSubjectRe.MatchString(subject) {
		return nil
	}
	results, err := f.inspect(msg)
	switch {
	case errors.Is(err, errMalformed):
		f.Log().Warnf("id:%s: %v", msg.ID(), err)
		c.AddTags(msg, "dmarc", "dmarc/malformed")
	case err != nil:
		return err
	default:
		c.AddTags(msg, "dmarc",
			pick(f.dkimTags, results.DKIM), pick(f.spfTags, results.SPF))
	}
	return nil
}
