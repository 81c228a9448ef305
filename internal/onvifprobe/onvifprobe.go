// Package onvifprobe authenticates to a single camera over ONVIF SOAP (device and
// media services), enumerates its media profiles, and resolves RTSP stream URIs for
// the main (highest-resolution) and sub (lowest-resolution) profiles (C4). The call
// shapes here — onvif.NewDevice, media.GetProfiles/GetStreamUri via CallMethod, and
// manual SOAP-envelope unmarshalling — follow github.com/IOTechSystems/onvif as used
// elsewhere in the example pack for ONVIF device discovery.
package onvifprobe

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"

	"github.com/IOTechSystems/onvif"
	"github.com/IOTechSystems/onvif/device"
	"github.com/IOTechSystems/onvif/media"
	xsdonvif "github.com/IOTechSystems/onvif/xsd/onvif"

	"sentrycam/internal/registry"
)

// Credentials is the ONVIF/RTSP username and password to authenticate with.
type Credentials struct {
	Username string
	Password string
}

type profile struct {
	token      string
	name       string
	width      int
	height     int
	resolution bool // true if the profile reported a usable resolution
}

// Probe authenticates to host:port and, on success, returns a populated CameraRecord.
// A nil record with nil error means the camera did not respond usefully — the caller
// skips it; this is never treated as a scan failure.
func Probe(host string, port int, creds Credentials) (*registry.CameraRecord, error) {
	xaddr := fmt.Sprintf("%s:%d", host, port)

	dev, err := onvif.NewDevice(onvif.DeviceParams{
		Xaddr:    xaddr,
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return nil, nil
	}

	devInfo, ok := fetchDeviceInfo(dev)
	if !ok {
		return nil, nil
	}

	profiles, ok := fetchProfiles(dev)
	if !ok || len(profiles) == 0 {
		return nil, nil
	}

	mainProfile := pickMain(profiles)
	subProfile := pickSub(profiles)

	mainURI, ok := fetchStreamURI(dev, mainProfile.token)
	if !ok || mainURI == "" {
		return nil, nil
	}
	mainURI = injectCredentials(mainURI, creds)

	subURI := mainURI
	if subProfile.token != mainProfile.token {
		if uri, ok := fetchStreamURI(dev, subProfile.token); ok && uri != "" {
			subURI = injectCredentials(uri, creds)
		}
	}

	name := devInfo
	if name == "" {
		name = host
	}

	return &registry.CameraRecord{
		Host:          host,
		Port:          port,
		Name:          name,
		MainStreamURI: mainURI,
		SubStreamURI:  subURI,
		DeviceInfo:    devInfo,
	}, nil
}

// fetchDeviceInfo requests device information; the model field becomes the camera's
// best-effort display name. Failure here disqualifies the candidate entirely (step 2).
func fetchDeviceInfo(dev *onvif.Device) (string, bool) {
	resp, err := dev.CallMethod(device.GetDeviceInformation{})
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}

	var envelope struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			GetDeviceInformationResponse device.GetDeviceInformationResponse `xml:"GetDeviceInformationResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return "", false
	}

	return string(envelope.Body.GetDeviceInformationResponse.Model), true
}

// fetchProfiles lists media profiles and extracts each one's video-encoder resolution.
func fetchProfiles(dev *onvif.Device) ([]profile, bool) {
	resp, err := dev.CallMethod(media.GetProfiles{})
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}

	var envelope struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			GetProfilesResponse media.GetProfilesResponse `xml:"GetProfilesResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return nil, false
	}

	var out []profile
	for _, p := range envelope.Body.GetProfilesResponse.Profiles {
		pr := profile{token: string(p.Token), name: string(p.Name)}
		if enc := p.VideoEncoderConfiguration; enc != nil && enc.Resolution != nil {
			pr.width = int(enc.Resolution.Width)
			pr.height = int(enc.Resolution.Height)
			pr.resolution = pr.width > 0 && pr.height > 0
		}
		out = append(out, pr)
	}
	return out, true
}

// pickMain selects the profile with maximum pixel count, falling back to the first
// profile if none report a usable resolution.
func pickMain(profiles []profile) profile {
	best := profiles[0]
	bestArea := -1
	for _, p := range profiles {
		if !p.resolution {
			continue
		}
		area := p.width * p.height
		if area > bestArea {
			bestArea = area
			best = p
		}
	}
	return best
}

// pickSub selects the profile with minimum pixel count, falling back to the last
// profile when more than one exists, else the only profile.
func pickSub(profiles []profile) profile {
	var withRes []profile
	for _, p := range profiles {
		if p.resolution {
			withRes = append(withRes, p)
		}
	}
	if len(withRes) == 0 {
		if len(profiles) > 1 {
			return profiles[len(profiles)-1]
		}
		return profiles[0]
	}

	best := withRes[0]
	bestArea := best.width * best.height
	for _, p := range withRes[1:] {
		area := p.width * p.height
		if area < bestArea {
			bestArea = area
			best = p
		}
	}
	return best
}

// fetchStreamURI requests a stream URI for profileToken with RTSP/RTP-Unicast
// transport. If the structured request fails it retries with a plain GetStreamUri
// request carrying no StreamSetup, per the fallback in step 5.
func fetchStreamURI(dev *onvif.Device, profileToken string) (string, bool) {
	if uri, ok := requestStreamURI(dev, profileToken, true); ok {
		return uri, true
	}
	return requestStreamURI(dev, profileToken, false)
}

func requestStreamURI(dev *onvif.Device, profileToken string, withSetup bool) (string, bool) {
	token := xsdonvif.ReferenceToken(profileToken)

	req := media.GetStreamUri{ProfileToken: &token}
	if withSetup {
		stream := xsdonvif.StreamType("RTP-Unicast")
		protocol := xsdonvif.TransportProtocol("RTSP")
		req.StreamSetup = &xsdonvif.StreamSetup{
			Stream:    &stream,
			Transport: &xsdonvif.Transport{Protocol: &protocol},
		}
	}

	resp, err := dev.CallMethod(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}

	var envelope struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			GetStreamUriResponse media.GetStreamUriResponse `xml:"GetStreamUriResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return "", false
	}

	uri := string(envelope.Body.GetStreamUriResponse.MediaUri.Uri)
	return uri, uri != ""
}

// injectCredentials splices username:password@ into uri between scheme and host if
// the URI lacks userinfo already, preserving port and path.
func injectCredentials(uri string, creds Credentials) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	if parsed.User != nil {
		return uri
	}
	parsed.User = url.UserPassword(creds.Username, creds.Password)
	return parsed.String()
}
