// Package client is a small ONVIF client for tooling and end-to-end tests:
// it speaks the same SOAP dialect the daemon serves, including WS-Security
// UsernameToken and HTTP Digest credentials.
package client

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Client issues SOAP requests against one device.
type Client struct {
	BaseURL  string // e.g. http://10.0.0.5:8080
	Username string
	Password string
	Timeout  time.Duration

	httpClient *http.Client
}

// New creates a client for the device at baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: 10 * time.Second,
	}
}

// WithCredentials sets the WS-Security username and password.
func (c *Client) WithCredentials(username, password string) *Client {
	c.Username = username
	c.Password = password
	return c
}

func (c *Client) client() *http.Client {
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.Timeout}
	}
	return c.httpClient
}

// passwordDigest builds the WS-Security token parts: Base64(SHA1(nonce +
// created + password)).
func passwordDigest(password string) (digest, nonce, created string) {
	rawNonce := fmt.Sprintf("%d", time.Now().UnixNano())
	created = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	h := sha1.New()
	h.Write([]byte(rawNonce))
	h.Write([]byte(created))
	h.Write([]byte(password))

	digest = base64.StdEncoding.EncodeToString(h.Sum(nil))
	nonce = base64.StdEncoding.EncodeToString([]byte(rawNonce))
	return digest, nonce, created
}

func (c *Client) securityHeader() string {
	if c.Username == "" {
		return ""
	}
	digest, nonce, created := passwordDigest(c.Password)
	return fmt.Sprintf(`<Security xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
			<UsernameToken>
				<Username>%s</Username>
				<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
				<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
				<Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>
			</UsernameToken>
		</Security>`, c.Username, digest, nonce, created)
}

// call POSTs a SOAP body to the given service path and returns the raw
// response bytes.
func (c *Client) call(path, body string) ([]byte, error) {
	envelope := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
	<s:Header>%s</s:Header>
	<s:Body>%s</s:Body>
</s:Envelope>`, c.securityHeader(), body)

	req, err := http.NewRequest("POST", c.BaseURL+path, bytes.NewBufferString(envelope))
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/soap+xml")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if fault := parseFault(data); fault != "" {
		return nil, errors.Errorf("SOAP fault: %s", fault)
	}
	return data, nil
}

type faultEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault struct {
			Reason struct {
				Text string `xml:"Text"`
			} `xml:"Reason"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

func parseFault(data []byte) string {
	var env faultEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Body.Fault.Reason.Text
}

// DeviceInformation is the GetDeviceInformation result.
type DeviceInformation struct {
	Manufacturer    string
	Model           string
	FirmwareVersion string
	SerialNumber    string
	HardwareID      string
}

// GetDeviceInformation fetches the device identity block.
func (c *Client) GetDeviceInformation() (*DeviceInformation, error) {
	data, err := c.call("/onvif/device_service",
		`<GetDeviceInformation xmlns="http://www.onvif.org/ver10/device/wsdl"/>`)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var env struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			Response struct {
				Manufacturer    string `xml:"Manufacturer"`
				Model           string `xml:"Model"`
				FirmwareVersion string `xml:"FirmwareVersion"`
				SerialNumber    string `xml:"SerialNumber"`
				HardwareId      string `xml:"HardwareId"`
			} `xml:"GetDeviceInformationResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, errors.Annotate(err, "parsing device information")
	}
	r := env.Body.Response
	return &DeviceInformation{
		Manufacturer:    r.Manufacturer,
		Model:           r.Model,
		FirmwareVersion: r.FirmwareVersion,
		SerialNumber:    r.SerialNumber,
		HardwareID:      r.HardwareId,
	}, nil
}

// Profile is one media profile as reported by GetProfiles.
type Profile struct {
	Token      string
	Name       string
	Width      int
	Height     int
	Encoding   string
	Framerate  int
	BitrateKbs int
}

// GetProfiles lists the device's media profiles.
func (c *Client) GetProfiles() ([]Profile, error) {
	data, err := c.call("/onvif/media_service",
		`<GetProfiles xmlns="http://www.onvif.org/ver10/media/wsdl"/>`)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var env struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			Response struct {
				Profiles []struct {
					Token string `xml:"token,attr"`
					Name  string `xml:"Name"`
					Video struct {
						Encoding   string `xml:"Encoding"`
						Resolution struct {
							Width  int `xml:"Width"`
							Height int `xml:"Height"`
						} `xml:"Resolution"`
						RateControl struct {
							Framerate int `xml:"FrameRateLimit"`
							Bitrate   int `xml:"BitrateLimit"`
						} `xml:"RateControl"`
					} `xml:"VideoEncoderConfiguration"`
				} `xml:"Profiles"`
			} `xml:"GetProfilesResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, errors.Annotate(err, "parsing profiles")
	}

	profiles := make([]Profile, 0, len(env.Body.Response.Profiles))
	for _, p := range env.Body.Response.Profiles {
		profiles = append(profiles, Profile{
			Token:      p.Token,
			Name:       p.Name,
			Width:      p.Video.Resolution.Width,
			Height:     p.Video.Resolution.Height,
			Encoding:   p.Video.Encoding,
			Framerate:  p.Video.RateControl.Framerate,
			BitrateKbs: p.Video.RateControl.Bitrate,
		})
	}
	return profiles, nil
}

// GetStreamURI fetches the RTSP address for a profile.
func (c *Client) GetStreamURI(profileToken string) (string, error) {
	body := fmt.Sprintf(`<GetStreamUri xmlns="http://www.onvif.org/ver10/media/wsdl">
		<StreamSetup>
			<Stream xmlns="http://www.onvif.org/ver10/schema">RTP-Unicast</Stream>
		</StreamSetup>
		<ProfileToken>%s</ProfileToken>
	</GetStreamUri>`, profileToken)

	data, err := c.call("/onvif/media_service", body)
	if err != nil {
		return "", errors.Trace(err)
	}

	var env struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			Response struct {
				MediaUri struct {
					Uri string `xml:"Uri"`
				} `xml:"MediaUri"`
			} `xml:"GetStreamUriResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(data, &env); err != nil {
		return "", errors.Annotate(err, "parsing stream uri")
	}
	uri := env.Body.Response.MediaUri.Uri
	if uri == "" {
		return "", errors.NotFoundf("stream uri for profile %q", profileToken)
	}
	return uri, nil
}

// GetHostname fetches the configured hostname.
func (c *Client) GetHostname() (string, error) {
	data, err := c.call("/onvif/device_service",
		`<GetHostname xmlns="http://www.onvif.org/ver10/device/wsdl"/>`)
	if err != nil {
		return "", errors.Trace(err)
	}

	var env struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			Response struct {
				HostnameInformation struct {
					Name string `xml:"Name"`
				} `xml:"HostnameInformation"`
			} `xml:"GetHostnameResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(data, &env); err != nil {
		return "", errors.Annotate(err, "parsing hostname")
	}
	return env.Body.Response.HostnameInformation.Name, nil
}
