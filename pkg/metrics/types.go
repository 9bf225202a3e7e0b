package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Metric variants produced by the patient access pipeline.

// RowContext carries the run and connection fields shared by every variant.
type RowContext struct {
	RunID            string
	RunDateTime      time.Time
	ConnectionType   string
	FHIRVersion      string
	PipelineCategory string
	PipelineVersion  string
	NewTokensOnly    *bool

	MasterPersonID   string
	ClientPersonID   string
	PatientID        string
	ClientSourceURL  string
	Slug             string
	SourceSystemType string
	Scope            string
	Token            string
	Status           string
	CreatedDate      time.Time
	LastUpdated      time.Time
	Expiry           time.Time

	// CustomAPIParameters names the connection's API flavour, e.g. CustomAPIEpic.
	CustomAPIParameters string
}

// CustomAPIEpic marks Epic connections, which answer 403 for Encounter reads
// the token is scoped for.
const CustomAPIEpic = "epic"

// clone copies rc so later changes to the caller's pointers are not seen.
func (rc RowContext) clone() RowContext {
	if rc.NewTokensOnly != nil {
		v := *rc.NewTokensOnly
		rc.NewTokensOnly = &v
	}
	return rc
}

func (rc RowContext) runValues(m map[string]any) {
	m["run_id"] = rc.RunID
	m["run_date_time"] = rc.RunDateTime
	m["connection_type"] = nullString(rc.ConnectionType)
	m["fhir_version"] = nullString(rc.FHIRVersion)
	m["pipeline_category"] = nullString(rc.PipelineCategory)
	m["pipeline_version"] = nullString(rc.PipelineVersion)
	m["new_tokens_only"] = nullBool(rc.NewTokensOnly)
	m["master_person_id"] = nullString(rc.MasterPersonID)
	m["client_person_id"] = nullString(rc.ClientPersonID)
	m["patient_id"] = nullString(rc.PatientID)
}

func (rc RowContext) scope() string {
	return Truncate(rc.Scope, MySQLMediumTextMaxChars)
}

func col(name string, typ ColumnType, nullable bool, comment string) Column {
	return Column{Name: name, Type: typ, Nullable: nullable, Comment: comment}
}

var runColumns = Table{Columns: []Column{
	col("run_id", TypeString, false, "Flow run id that created this row"),
	col("run_date_time", TypeTimestamp, false, "When was this flow run"),
	col("connection_type", TypeString, true, "Type of connection: proa, hapi, hie"),
	col("fhir_version", TypeString, true, "FHIR version: r4, dstu2"),
	col("pipeline_category", TypeString, true, "Category of pipeline: Provider, Insurance"),
	col("pipeline_version", TypeString, true, "Version of the pipelines release"),
	col("new_tokens_only", TypeBool, true, "Whether we only want to use new tokens"),
	col("master_person_id", TypeString, true, "Master person id of the user whose patient record we are trying to retrieve"),
	col("client_person_id", TypeString, true, "Client person id of the user whose patient record we are trying to retrieve"),
	col("patient_id", TypeString, true, "Patient id in the source system"),
}}

var (
	colSourceSystemType = col("source_system_type", TypeString, true, "Type of source system: Epic, Cerner, Athena, etc.")
	colScope            = col("scope", TypeMediumText, true, "Scope of the token")
	colSlug             = col("slug", TypeString, true, "Slug that identifies the source system")
	colSourceURL        = col("url", TypeText, true, "url of the source system")
	colCreatedDate      = col("created_date", TypeTimestamp, true, "Date the token was created")
	colLastUpdated      = col("last_updated", TypeTimestamp, true, "Date the token was last updated")
	colExpiry           = col("expiry", TypeTimestamp, true, "Date the token expires")
	colToken            = col("token", TypeText, true, "Token used to access the source system")
)

// ---------------------------------------------------------------------------

// Issue severities recorded on PatientAccessError.
const (
	SeverityFatal       = "fatal"
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"
)

// PatientAccessError records one failure while retrieving or sending a resource.
type PatientAccessError struct {
	rc RowContext
	d  ErrorDetails
}

// ErrorDetails are the caller supplied fields of a PatientAccessError.
type ErrorDetails struct {
	RequestID       string
	ResourceID      string
	ResourceType    string
	URL             string
	ErrorText       string
	StatusCode      int
	Step            string
	Severity        string
	ErrorCode       string
	ResourceJSON    string
	RawResourceJSON string
}

var patientAccessErrorTable = runColumns.With(
	col("client_source_url", TypeString, true, "Base url of the source system"),
	col("step", TypeString, false, "Step in the process where the error occurred"),
	col("severity", TypeString, false, "Severity of the error: fatal, error, warning, information"),
	colSourceSystemType,
	colCreatedDate, colLastUpdated, colExpiry,
	colScope, colToken, colSlug,
	col("resourceType", TypeString, true, "FHIR resourceType: Patient, Practitioner, Organization, Coverage, Observation"),
	col("request_id", TypeString, true, "Request id from the FHIR server if the error was sending data to it"),
	col("resource_id", TypeString, true, "Resource id of the resource with the error"),
	col("url", TypeText, true, "Full url to retrieve this resource"),
	col("status_code", TypeString, true, "HTTP status code returned by the FHIR server"),
	col("error_text", TypeMediumText, true, "Error text returned by the FHIR server"),
	col("raw_resource_json", TypeLongText, true, "Raw JSON of the resource with the error"),
	col("resource_json", TypeLongText, true, "JSON of the resource with the error"),
)

// NewPatientAccessError builds an error record. cause, when set, is appended to
// the error text. Text fields are truncated to their column limits.
func NewPatientAccessError(rc RowContext, d ErrorDetails, cause error) *PatientAccessError {
	errorText := d.ErrorText
	if cause != nil {
		errorText = errorText + "\n" + cause.Error()
	}

	d.URL = Truncate(d.URL, MySQLTextMaxChars)
	d.ErrorText = Truncate(errorText, MySQLMediumTextMaxChars)
	d.ResourceJSON = Truncate(d.ResourceJSON, MySQLLongTextMaxChars)
	d.RawResourceJSON = Truncate(d.RawResourceJSON, MySQLLongTextMaxChars)

	return &PatientAccessError{rc: rc.clone(), d: d}
}

// Details returns a copy of the recorded error fields.
func (m *PatientAccessError) Details() ErrorDetails { return m.d }

// ClientSideSeverity downgrades errors that usually mean the source system
// simply does not have the resource: 404s on a concrete resource reference and,
// on Epic connections, 403s on Encounter reads that the granted scope allows.
func ClientSideSeverity(rc RowContext, statusCode int, resourceType, url, severity string) string {
	switch {
	case statusCode == 404 && isResourceReference(url):
		return SeverityWarning
	case statusCode == 403 && resourceType == "Encounter" &&
		rc.CustomAPIParameters == CustomAPIEpic && scopeAllowsRead(rc.Scope, "Encounter"):
		return SeverityWarning
	default:
		return severity
	}
}

func isResourceReference(url string) bool {
	parts := strings.Split(strings.Trim(url, "/"), "/")
	if len(parts) < 2 {
		return false
	}
	typ, id := parts[len(parts)-2], parts[len(parts)-1]
	return id != "" && typ != "" && typ[0] >= 'A' && typ[0] <= 'Z' && !strings.ContainsAny(id, "?=")
}

func scopeAllowsRead(scope, resourceType string) bool {
	for _, s := range strings.Fields(scope) {
		_, rest, ok := strings.Cut(s, "/")
		if !ok {
			continue
		}
		res, access, _ := strings.Cut(rest, ".")
		if (res == resourceType || res == "*") && grantsRead(access) {
			return true
		}
	}
	return false
}

// grantsRead accepts v1 ("read", "*") and v2 ("rs", "cruds") scope access parts.
func grantsRead(access string) bool {
	if access == "read" || access == "*" {
		return true
	}
	return access != "" && strings.Contains(access, "r") && strings.Trim(access, "cruds") == ""
}

func (m *PatientAccessError) Name() string      { return "PatientAccessError" }
func (m *PatientAccessError) Schema() Table     { return patientAccessErrorTable }
func (m *PatientAccessError) Columns() []string { return patientAccessErrorTable.ColumnNames() }

func (m *PatientAccessError) CreateDDL(schemaName, tableName string) string {
	return patientAccessErrorTable.CreateDDL(DialectMySQL, schemaName, tableName)
}

func (m *PatientAccessError) CreateDDLFor(d Dialect, schemaName, tableName string) string {
	return patientAccessErrorTable.CreateDDL(d, schemaName, tableName)
}

func (m *PatientAccessError) ColumnMap() map[string]any {
	v := make(map[string]any, len(patientAccessErrorTable.Columns))
	m.rc.runValues(v)
	v["client_source_url"] = nullString(m.rc.ClientSourceURL)
	v["step"] = m.d.Step
	v["severity"] = m.d.Severity
	v["source_system_type"] = nullString(m.rc.SourceSystemType)
	v["created_date"] = nullTime(m.rc.CreatedDate)
	v["last_updated"] = nullTime(m.rc.LastUpdated)
	v["expiry"] = nullTime(m.rc.Expiry)
	v["scope"] = nullString(m.rc.scope())
	v["token"] = nullString(m.rc.Token)
	v["slug"] = nullString(m.rc.Slug)
	v["resourceType"] = nullString(m.d.ResourceType)
	v["request_id"] = nullString(m.d.RequestID)
	v["resource_id"] = nullString(m.d.ResourceID)
	v["url"] = nullString(m.d.URL)
	if m.d.StatusCode != 0 {
		v["status_code"] = strconv.Itoa(m.d.StatusCode)
	} else {
		v["status_code"] = nil
	}
	v["error_text"] = nullString(m.d.ErrorText)
	v["raw_resource_json"] = nullString(m.d.RawResourceJSON)
	v["resource_json"] = nullString(m.d.ResourceJSON)
	return v
}

// ---------------------------------------------------------------------------

// PatientAccessResourceMetric records resources of one type retrieved for a patient.
type PatientAccessResourceMetric struct {
	rc RowContext

	url           string
	resourceType  string
	resourceCount int
	resourceIDs   string
	resourceJSON  string
}

var resourceMetricTable = runColumns.With(
	colSourceSystemType, colScope, colSlug, colSourceURL,
	col("resource_type", TypeString, true, "Type of resource: Patient, Observation, etc."),
	col("resource_count", TypeInt, true, "Number of resources retrieved"),
	col("resource_ids", TypeText, true, "resource ids retrieved"),
	col("resource_json", TypeLongText, true, "JSON of resources retrieved"),
)

// NewPatientAccessResourceMetric summarizes the received resources of resourceType.
func NewPatientAccessResourceMetric(rc RowContext, url, resourceType string, ids []string, resourceJSON string) *PatientAccessResourceMetric {
	return &PatientAccessResourceMetric{
		rc:            rc.clone(),
		url:           Truncate(url, MySQLTextMaxChars),
		resourceType:  resourceType,
		resourceCount: len(ids),
		resourceIDs:   Truncate(strings.Join(ids, ","), MySQLTextMaxChars),
		resourceJSON:  Truncate(resourceJSON, MySQLLongTextMaxChars),
	}
}

func (m *PatientAccessResourceMetric) Name() string      { return "PatientAccessResourceMetric" }
func (m *PatientAccessResourceMetric) Schema() Table     { return resourceMetricTable }
func (m *PatientAccessResourceMetric) Columns() []string { return resourceMetricTable.ColumnNames() }

func (m *PatientAccessResourceMetric) CreateDDL(schemaName, tableName string) string {
	return resourceMetricTable.CreateDDL(DialectMySQL, schemaName, tableName)
}

func (m *PatientAccessResourceMetric) CreateDDLFor(d Dialect, schemaName, tableName string) string {
	return resourceMetricTable.CreateDDL(d, schemaName, tableName)
}

func (m *PatientAccessResourceMetric) ColumnMap() map[string]any {
	v := make(map[string]any, len(resourceMetricTable.Columns))
	m.rc.runValues(v)
	v["source_system_type"] = nullString(m.rc.SourceSystemType)
	v["scope"] = nullString(m.rc.scope())
	v["slug"] = nullString(m.rc.Slug)
	v["url"] = nullString(m.url)
	v["resource_type"] = nullString(m.resourceType)
	v["resource_count"] = m.resourceCount
	v["resource_ids"] = nullString(m.resourceIDs)
	v["resource_json"] = nullString(m.resourceJSON)
	return v
}

// ---------------------------------------------------------------------------

// PatientAccessRawResourceMetric keeps the raw payloads received from the source.
type PatientAccessRawResourceMetric struct {
	rc RowContext

	url           string
	resourceType  string
	resourceCount int
	resourceURLs  string
	resourceText  string
}

var rawResourceMetricTable = runColumns.With(
	colSourceSystemType, colScope, colSlug, colSourceURL,
	col("resource_type", TypeString, true, "Type of resource: Patient, Observation, etc."),
	col("resource_count", TypeInt, true, "Number of resources retrieved"),
	col("resource_urls", TypeLongText, true, "URLs of resources retrieved"),
	col("resource_text", TypeLongText, true, "JSON of resources retrieved"),
)

// NewPatientAccessRawResourceMetric records raw responses for resourceType.
func NewPatientAccessRawResourceMetric(rc RowContext, url, resourceType string, urls []string, texts []string) *PatientAccessRawResourceMetric {
	return &PatientAccessRawResourceMetric{
		rc:            rc.clone(),
		url:           Truncate(url, MySQLTextMaxChars),
		resourceType:  resourceType,
		resourceCount: len(texts),
		resourceURLs:  Truncate(strings.Join(urls, "\n"), MySQLLongTextMaxChars),
		resourceText:  Truncate(strings.Join(texts, "\n"), MySQLLongTextMaxChars),
	}
}

func (m *PatientAccessRawResourceMetric) Name() string      { return "PatientAccessRawResourceMetric" }
func (m *PatientAccessRawResourceMetric) Schema() Table     { return rawResourceMetricTable }
func (m *PatientAccessRawResourceMetric) Columns() []string { return rawResourceMetricTable.ColumnNames() }

func (m *PatientAccessRawResourceMetric) CreateDDL(schemaName, tableName string) string {
	return rawResourceMetricTable.CreateDDL(DialectMySQL, schemaName, tableName)
}

func (m *PatientAccessRawResourceMetric) CreateDDLFor(d Dialect, schemaName, tableName string) string {
	return rawResourceMetricTable.CreateDDL(d, schemaName, tableName)
}

func (m *PatientAccessRawResourceMetric) ColumnMap() map[string]any {
	v := make(map[string]any, len(rawResourceMetricTable.Columns))
	m.rc.runValues(v)
	v["source_system_type"] = nullString(m.rc.SourceSystemType)
	v["scope"] = nullString(m.rc.scope())
	v["slug"] = nullString(m.rc.Slug)
	v["url"] = nullString(m.url)
	v["resource_type"] = nullString(m.resourceType)
	v["resource_count"] = m.resourceCount
	v["resource_urls"] = nullString(m.resourceURLs)
	v["resource_text"] = nullString(m.resourceText)
	return v
}

// ---------------------------------------------------------------------------

// DemographicsMismatchEntry records a client person that did not match the
// retrieved patient.
type DemographicsMismatchEntry struct {
	rc RowContext

	err         string
	match       string
	source      string
	target      string
	diagnostics string
	score       decimal.NullDecimal
}

// MatchResult is the outcome of scoring a client person against a patient.
type MatchResult struct {
	Error       string
	Match       string
	Source      string
	Target      string
	Diagnostics string
	Score       *decimal.Decimal
}

var demographicsMismatchTable = runColumns.With(
	colSlug,
	col("error", TypeMediumText, true, "Error while matching"),
	col("client_person_to_patient_match", TypeMediumText, true, "Match result of client person to patient"),
	col("client_person_to_patient_source", TypeText, true, "Source of client person to patient match"),
	col("client_person_to_patient_target", TypeText, true, "Target of client person to patient match"),
	col("client_person_to_patient_diagnostics", TypeMediumText, true, "Diagnostics of client person to patient match"),
	col("client_person_to_patient_score", TypeDecimal, true, "Total match score of client person to patient"),
)

// NewDemographicsMismatchEntry builds a mismatch record from a match result.
func NewDemographicsMismatchEntry(rc RowContext, r MatchResult) *DemographicsMismatchEntry {
	e := &DemographicsMismatchEntry{
		rc:          rc.clone(),
		err:         Truncate(r.Error, MySQLMediumTextMaxChars),
		match:       Truncate(r.Match, MySQLMediumTextMaxChars),
		source:      Truncate(r.Source, MySQLTextMaxChars),
		target:      Truncate(r.Target, MySQLTextMaxChars),
		diagnostics: Truncate(r.Diagnostics, MySQLMediumTextMaxChars),
	}
	if r.Score != nil {
		e.score = decimal.NewNullDecimal(r.Score.Round(4))
	}
	return e
}

func (m *DemographicsMismatchEntry) Name() string      { return "DemographicsMismatchEntry" }
func (m *DemographicsMismatchEntry) Schema() Table     { return demographicsMismatchTable }
func (m *DemographicsMismatchEntry) Columns() []string { return demographicsMismatchTable.ColumnNames() }

func (m *DemographicsMismatchEntry) CreateDDL(schemaName, tableName string) string {
	return demographicsMismatchTable.CreateDDL(DialectMySQL, schemaName, tableName)
}

func (m *DemographicsMismatchEntry) CreateDDLFor(d Dialect, schemaName, tableName string) string {
	return demographicsMismatchTable.CreateDDL(d, schemaName, tableName)
}

func (m *DemographicsMismatchEntry) ColumnMap() map[string]any {
	v := make(map[string]any, len(demographicsMismatchTable.Columns))
	m.rc.runValues(v)
	v["slug"] = nullString(m.rc.Slug)
	v["error"] = nullString(m.err)
	v["client_person_to_patient_match"] = nullString(m.match)
	v["client_person_to_patient_source"] = nullString(m.source)
	v["client_person_to_patient_target"] = nullString(m.target)
	v["client_person_to_patient_diagnostics"] = nullString(m.diagnostics)
	if m.score.Valid {
		v["client_person_to_patient_score"] = m.score.Decimal.String()
	} else {
		v["client_person_to_patient_score"] = nil
	}
	return v
}

// ---------------------------------------------------------------------------

// PatientAccessMetrics is the per patient record summary of one download.
type PatientAccessMetrics struct {
	rc    RowContext
	start time.Time
	end   time.Time
	url   string
	stats DownloadStats
}

// DownloadStats are the counters and timings of one patient record download.
type DownloadStats struct {
	NumberOfResources  int
	ErrorCount         int
	WarningCount       int
	TimeToGetResources time.Duration
	TimeToSendToFHIR   time.Duration
	TimeToMatchPerson  time.Duration
	Matched            *bool
	PartitionIndex     *int
	ChunkIndex         *int
	PartitionStartTime time.Time
	ChunkStartTime     time.Time
}

func (s DownloadStats) clone() DownloadStats {
	if s.Matched != nil {
		v := *s.Matched
		s.Matched = &v
	}
	if s.PartitionIndex != nil {
		v := *s.PartitionIndex
		s.PartitionIndex = &v
	}
	if s.ChunkIndex != nil {
		v := *s.ChunkIndex
		s.ChunkIndex = &v
	}
	return s
}

var patientAccessMetricsTable = Table{Columns: []Column{
	runColumns.Columns[0], runColumns.Columns[1],
	col("start_time", TypeTimestamp, false, "When did we start downloading this patient record"),
	col("end_time", TypeTimestamp, false, "When did we finish downloading this patient record"),
}}.With(runColumns.Columns[2:]...).With(
	colSourceSystemType,
	colCreatedDate, colLastUpdated, colExpiry,
	colScope, colSlug,
	col("status", TypeString, true, "Status of the token"),
	colToken, colSourceURL,
	col("number_of_resources", TypeInt, false, "Number of resources successfully retrieved from the source system for this patient record"),
	col("error_count", TypeInt, false, "Number of errors encountered while retrieving this patient record"),
	col("warning_count", TypeInt, false, "Number of warnings encountered while retrieving this patient record"),
	col("time_to_get_resources_from_source", TypeFloat, true, "Time in seconds to get resources from source system"),
	col("time_send_resources_to_fhir", TypeFloat, true, "Time in seconds to send resources to FHIR"),
	col("time_to_match_person", TypeFloat, true, "Time in seconds to match person"),
	col("matched", TypeBool, true, "Whether the person was matched"),
	col("partition_index", TypeInt, true, "Partition index"),
	col("chunk_index", TypeInt, true, "Chunk index"),
	col("partition_start_time", TypeTimestamp, true, "When did we start processing this batch"),
	col("chunk_start_time", TypeTimestamp, true, "When did we start processing this chunk"),
)

// NewPatientAccessMetrics builds the summary record of one download.
func NewPatientAccessMetrics(rc RowContext, start, end time.Time, stats DownloadStats) *PatientAccessMetrics {
	return &PatientAccessMetrics{
		rc:    rc.clone(),
		start: start,
		end:   end,
		url:   Truncate(rc.ClientSourceURL, MySQLTextMaxChars),
		stats: stats.clone(),
	}
}

func (m *PatientAccessMetrics) Name() string      { return "PatientAccessMetrics" }
func (m *PatientAccessMetrics) Schema() Table     { return patientAccessMetricsTable }
func (m *PatientAccessMetrics) Columns() []string { return patientAccessMetricsTable.ColumnNames() }

func (m *PatientAccessMetrics) CreateDDL(schemaName, tableName string) string {
	return patientAccessMetricsTable.CreateDDL(DialectMySQL, schemaName, tableName)
}

func (m *PatientAccessMetrics) CreateDDLFor(d Dialect, schemaName, tableName string) string {
	return patientAccessMetricsTable.CreateDDL(d, schemaName, tableName)
}

func (m *PatientAccessMetrics) ColumnMap() map[string]any {
	v := make(map[string]any, len(patientAccessMetricsTable.Columns))
	m.rc.runValues(v)
	v["start_time"] = m.start
	v["end_time"] = m.end
	v["source_system_type"] = nullString(m.rc.SourceSystemType)
	v["created_date"] = nullTime(m.rc.CreatedDate)
	v["last_updated"] = nullTime(m.rc.LastUpdated)
	v["expiry"] = nullTime(m.rc.Expiry)
	v["scope"] = nullString(m.rc.scope())
	v["slug"] = nullString(m.rc.Slug)
	v["status"] = nullString(m.rc.Status)
	v["token"] = nullString(m.rc.Token)
	v["url"] = nullString(m.url)
	v["number_of_resources"] = m.stats.NumberOfResources
	v["error_count"] = m.stats.ErrorCount
	v["warning_count"] = m.stats.WarningCount
	v["time_to_get_resources_from_source"] = m.stats.TimeToGetResources.Seconds()
	v["time_send_resources_to_fhir"] = m.stats.TimeToSendToFHIR.Seconds()
	v["time_to_match_person"] = m.stats.TimeToMatchPerson.Seconds()
	v["matched"] = nullBool(m.stats.Matched)
	v["partition_index"] = nullInt(m.stats.PartitionIndex)
	v["chunk_index"] = nullInt(m.stats.ChunkIndex)
	v["partition_start_time"] = nullTime(m.stats.PartitionStartTime)
	v["chunk_start_time"] = nullTime(m.stats.ChunkStartTime)
	return v
}

// ---------------------------------------------------------------------------

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
