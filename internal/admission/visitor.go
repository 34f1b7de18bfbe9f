package admission

import (
	"fmt"
	"net/http"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/linkgate/linkgate/internal/geoip"
	"github.com/mileusna/useragent"
)

// ErrInvalidIP is returned when the visitor address fails syntactic
// validation.  It maps to a client error, the pipeline never runs for it.
const ErrInvalidIP errors.Error = "invalid visitor ip"

// DeviceClass is the visitor device category derived from the User-Agent.
type DeviceClass string

// Device classes.
const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
)

// VisitorContext is everything known about one inbound request.  It is built
// once per request and consumed read-only by all checks.
type VisitorContext struct {
	// Headers is the raw inbound header map.
	Headers http.Header

	// UserAgent is the raw User-Agent header value.
	UserAgent string

	// Country is the resolved ISO country code, or [geoip.Unknown].
	Country string

	// ASN is the resolved autonomous-system information.
	ASN geoip.ASN

	// Device is the device class parsed from the User-Agent.
	Device DeviceClass

	// IP is the validated visitor address.
	IP netip.Addr
}

// NewVisitorContext validates ip, classifies the device, and resolves
// geographic data.  headers and resolver must not be nil.
func NewVisitorContext(
	ip string,
	headers http.Header,
	resolver geoip.Resolver,
) (vc *VisitorContext, err error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	addr = addr.Unmap()
	ua := headers.Get(httphdr.UserAgent)

	return &VisitorContext{
		Headers:   headers,
		UserAgent: ua,
		Country:   resolver.CountryOf(addr),
		ASN:       resolver.ASNOf(addr),
		Device:    ClassifyDevice(ua),
		IP:        addr,
	}, nil
}

// ClassifyDevice maps a User-Agent string to a device class.  Anything that
// is not recognizably mobile or tablet counts as desktop, matching how
// browsers without device hints are treated.
func ClassifyDevice(ua string) (d DeviceClass) {
	parsed := useragent.Parse(ua)

	switch {
	case parsed.Mobile:
		return DeviceMobile
	case parsed.Tablet:
		return DeviceTablet
	default:
		return DeviceDesktop
	}
}
