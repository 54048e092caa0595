package wsproto

import "fmt"

// Channel is the Rust release channel requested for the build.
type Channel string

const (
	ChannelStable Channel = "stable"
	ChannelBeta   Channel = "beta"
	ChannelNightly Channel = "nightly"
)

// Mode selects debug vs release codegen.
type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

// Edition is the language edition to compile against.
type Edition string

const (
	Edition2015 Edition = "2015"
	Edition2018 Edition = "2018"
	Edition2021 Edition = "2021"
	Edition2024 Edition = "2024"
)

// CrateType selects what kind of artifact to build.
type CrateType string

const (
	CrateTypeBin CrateType = "bin"
	CrateTypeLib CrateType = "lib"
)

// ParseField names which request field a BadRequestError came from, so the
// session loop can surface a diagnosable message (S3: "error mentions
// channel parsing").
type ParseField string

const (
	FieldChannel   ParseField = "channel"
	FieldMode      ParseField = "mode"
	FieldEdition   ParseField = "edition"
	FieldCrateType ParseField = "crateType"
)

// BadRequestError categorizes a validation failure by the field that
// failed to parse (§7 taxonomy: BadRequest).
type BadRequestError struct {
	Field ParseField
	Value string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("invalid %s: %q is not a recognized %s", e.Field, e.Value, e.Field)
}

func parseChannel(v string) (Channel, error) {
	switch Channel(v) {
	case ChannelStable, ChannelBeta, ChannelNightly:
		return Channel(v), nil
	default:
		return "", &BadRequestError{Field: FieldChannel, Value: v}
	}
}

func parseMode(v string) (Mode, error) {
	switch Mode(v) {
	case ModeDebug, ModeRelease:
		return Mode(v), nil
	default:
		return "", &BadRequestError{Field: FieldMode, Value: v}
	}
}

func parseEdition(v string) (Edition, error) {
	switch Edition(v) {
	case Edition2015, Edition2018, Edition2021, Edition2024:
		return Edition(v), nil
	default:
		return "", &BadRequestError{Field: FieldEdition, Value: v}
	}
}

func parseCrateType(v string) (CrateType, error) {
	switch CrateType(v) {
	case CrateTypeBin, CrateTypeLib:
		return CrateType(v), nil
	default:
		return "", &BadRequestError{Field: FieldCrateType, Value: v}
	}
}

// ValidatedExecuteRequest is the backend-ready form of an execute request:
// every enum field has been parsed and categorized.
type ValidatedExecuteRequest struct {
	Channel   Channel
	Mode      Mode
	Edition   Edition
	CrateType CrateType
	Tests     bool
	Backtrace bool
	Code      string
}

// Validate parses a wire ExecuteRequest into its validated form. The first
// field to fail parsing determines the returned BadRequestError.
func Validate(w ExecuteRequestWire) (ValidatedExecuteRequest, error) {
	channel, err := parseChannel(w.Channel)
	if err != nil {
		return ValidatedExecuteRequest{}, err
	}
	mode, err := parseMode(w.Mode)
	if err != nil {
		return ValidatedExecuteRequest{}, err
	}
	edition, err := parseEdition(w.Edition)
	if err != nil {
		return ValidatedExecuteRequest{}, err
	}
	crateType, err := parseCrateType(w.CrateType)
	if err != nil {
		return ValidatedExecuteRequest{}, err
	}
	return ValidatedExecuteRequest{
		Channel:   channel,
		Mode:      mode,
		Edition:   edition,
		CrateType: crateType,
		Tests:     w.Tests,
		Backtrace: w.Backtrace,
		Code:      w.Code,
	}, nil
}

// LabelsCore derives the metric dimension set from a validated request
// (§4.5 "core_labels are derived from the validated request").
type LabelsCore struct {
	Channel   Channel
	Mode      Mode
	Edition   Edition
	CrateType CrateType
	Tests     bool
	Backtrace bool
}

// LabelsCore extracts the metrics label set from the validated request.
func (v ValidatedExecuteRequest) LabelsCore() LabelsCore {
	return LabelsCore{
		Channel:   v.Channel,
		Mode:      v.Mode,
		Edition:   v.Edition,
		CrateType: v.CrateType,
		Tests:     v.Tests,
		Backtrace: v.Backtrace,
	}
}
