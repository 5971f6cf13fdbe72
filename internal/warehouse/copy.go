package warehouse

import (
	"errors"
	"fmt"
	"strings"
)

// JSONAuto maps JSON keys onto column names.
const JSONAuto = "auto"

// CopySpec describes one Redshift COPY from S3 into a staging table.
type CopySpec struct {
	Table   string
	Source  string // s3://bucket/prefix
	IAMRole string // role ARN with read access to Source
	Region  string
	// JSONPaths is "auto" or the s3:// location of a jsonpaths file.
	JSONPaths string
	// TimeFormat, when set, becomes TIMEFORMAT AS '<value>'.
	TimeFormat string
	StatUpdate bool
}

// quoteLiteral renders s as a single-quoted Redshift string literal.
func quoteLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// buildCopySQL renders the COPY statement for c.
//
// Errors:
//   - Table, Source, IAMRole and Region are required; Source must be an s3:// URL.
//   - Values containing control characters are rejected.
func buildCopySQL(c CopySpec) (string, error) {
	if c.Table == "" || c.Source == "" || c.IAMRole == "" || c.Region == "" {
		return "", errors.New("warehouse: copy needs table, source, iam role and region")
	}
	if !strings.HasPrefix(c.Source, "s3://") {
		return "", fmt.Errorf("warehouse: copy source %q is not an s3:// URL", c.Source)
	}
	for _, v := range []string{c.Source, c.IAMRole, c.Region, c.JSONPaths, c.TimeFormat} {
		if strings.ContainsFunc(v, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
			return "", fmt.Errorf("warehouse: copy parameter %q contains control characters", v)
		}
	}

	jsonPaths := c.JSONPaths
	if jsonPaths == "" {
		jsonPaths = JSONAuto
	}

	var b strings.Builder
	fmt.Fprintf(&b, "COPY %s FROM %s", c.Table, quoteLiteral(c.Source))
	fmt.Fprintf(&b, " CREDENTIALS %s", quoteLiteral("aws_iam_role="+c.IAMRole))
	fmt.Fprintf(&b, " FORMAT AS JSON %s", quoteLiteral(jsonPaths))
	if c.TimeFormat != "" {
		fmt.Fprintf(&b, " TIMEFORMAT AS %s", quoteLiteral(c.TimeFormat))
	}
	if c.StatUpdate {
		b.WriteString(" STATUPDATE ON")
	}
	fmt.Fprintf(&b, " REGION %s", quoteLiteral(c.Region))
	return b.String(), nil
}

// stagingCopies returns the COPY statements for events then songs.
func stagingCopies(o Options) ([]string, error) {
	specs := []CopySpec{
		{
			Table:      TableStagingEvents,
			Source:     o.LogData,
			IAMRole:    o.IAMRole,
			Region:     o.Region,
			JSONPaths:  o.LogJSONPath,
			TimeFormat: "epochmillisecs",
			StatUpdate: true,
		},
		{
			Table:     TableStagingSongs,
			Source:    o.SongData,
			IAMRole:   o.IAMRole,
			Region:    o.Region,
			JSONPaths: JSONAuto,
		},
	}
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		sql, err := buildCopySQL(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sql)
	}
	return out, nil
}
