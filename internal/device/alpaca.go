// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/air01a/rigserver/internal/fitsio"
)

// AlpacaConfig names the ASCOM Alpaca REST endpoints and device numbers the
// driver talks to. Each device type uses its own device number because an
// Alpaca server can host more than one of a kind.
type AlpacaConfig struct {
	BaseURL          string // e.g. http://localhost:11111
	TelescopeDevice  int
	CameraDevice     int
	FocuserDevice    int
	FilterWheelDevice int
	FilterNames      []string // index == Alpaca filter wheel position
	ClientID         int
	HasGPS           bool
	HTTPTimeout      time.Duration
}

// AlpacaDevice drives real hardware over the Alpaca HTTP protocol: GET/PUT
// http://host:port/api/v1/{devicetype}/{deviceno}/{attribute}.
type AlpacaDevice struct {
	cfg       AlpacaConfig
	client    *http.Client
	log       zerolog.Logger
	txnSeq    uint32
	mu        sync.Mutex
	connected bool
}

// NewAlpacaDevice constructs a driver bound to cfg; Connect must be called
// before any other operation.
func NewAlpacaDevice(cfg AlpacaConfig, log zerolog.Logger) *AlpacaDevice {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &AlpacaDevice{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

func (d *AlpacaDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *AlpacaDevice) HasGPS() bool { return d.cfg.HasGPS }

func (d *AlpacaDevice) Connect(ctx context.Context) error {
	errs := []string{}
	for _, dt := range []string{"telescope", "camera", "focuser", "filterwheel"} {
		if err := d.put(ctx, dt, d.deviceNo(dt), "connected", url.Values{"Connected": {"true"}}); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", dt, err))
			continue
		}
		d.mu.Lock()
		d.connected = true
		d.mu.Unlock()
	}
	if len(errs) == 4 {
		return fmt.Errorf("device: connect failed for all devices: %s", strings.Join(errs, "; "))
	}
	if len(errs) > 0 {
		d.log.Warn().Strs("failures", errs).Msg("partial connect")
	}
	return nil
}

func (d *AlpacaDevice) Disconnect(ctx context.Context) error {
	for _, dt := range []string{"telescope", "camera", "focuser", "filterwheel"} {
		_ = d.put(ctx, dt, d.deviceNo(dt), "connected", url.Values{"Connected": {"false"}})
	}
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

func (d *AlpacaDevice) deviceNo(deviceType string) int {
	switch deviceType {
	case "telescope":
		return d.cfg.TelescopeDevice
	case "camera":
		return d.cfg.CameraDevice
	case "focuser":
		return d.cfg.FocuserDevice
	case "filterwheel":
		return d.cfg.FilterWheelDevice
	}
	return 0
}

func (d *AlpacaDevice) SlewTo(ctx context.Context, raHours, decDeg float64) error {
	v := url.Values{
		"RightAscension": {strconv.FormatFloat(raHours, 'f', -1, 64)},
		"Declination":    {strconv.FormatFloat(decDeg, 'f', -1, 64)},
	}
	if err := d.put(ctx, "telescope", d.cfg.TelescopeDevice, "slewtocoordinates", v); err != nil {
		return err
	}
	return d.pollUntilStationary(ctx)
}

func (d *AlpacaDevice) pollUntilStationary(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		slewing, err := d.getBool(ctx, "telescope", d.cfg.TelescopeDevice, "slewing")
		if err != nil {
			return err
		}
		if !slewing {
			return nil
		}
	}
}

func (d *AlpacaDevice) SyncTo(ctx context.Context, raHours, decDeg float64) error {
	v := url.Values{
		"RightAscension": {strconv.FormatFloat(raHours, 'f', -1, 64)},
		"Declination":    {strconv.FormatFloat(decDeg, 'f', -1, 64)},
	}
	return d.put(ctx, "telescope", d.cfg.TelescopeDevice, "synctocoordinates", v)
}

func (d *AlpacaDevice) GetRaDec(ctx context.Context) (float64, float64, error) {
	ra, err := d.getFloat(ctx, "telescope", d.cfg.TelescopeDevice, "rightascension")
	if err != nil {
		return 0, 0, err
	}
	dec, err := d.getFloat(ctx, "telescope", d.cfg.TelescopeDevice, "declination")
	if err != nil {
		return 0, 0, err
	}
	return ra, dec, nil
}

func (d *AlpacaDevice) SetTracking(ctx context.Context, on bool) error {
	return d.put(ctx, "telescope", d.cfg.TelescopeDevice, "tracking", url.Values{"Tracking": {strconv.FormatBool(on)}})
}

func (d *AlpacaDevice) Unpark(ctx context.Context) error {
	return d.put(ctx, "telescope", d.cfg.TelescopeDevice, "unpark", url.Values{})
}

func (d *AlpacaDevice) GetLocation(ctx context.Context) (lat, lon, alt float64, err error) {
	lat, err = d.getFloat(ctx, "telescope", d.cfg.TelescopeDevice, "sitelatitude")
	if err != nil {
		return 0, 0, 0, err
	}
	lon, err = d.getFloat(ctx, "telescope", d.cfg.TelescopeDevice, "sitelongitude")
	if err != nil {
		return 0, 0, 0, err
	}
	alt, err = d.getFloat(ctx, "telescope", d.cfg.TelescopeDevice, "siteelevation")
	return lat, lon, alt, err
}

func (d *AlpacaDevice) GetUTC(ctx context.Context) (time.Time, error) {
	s, err := d.getString(ctx, "telescope", d.cfg.TelescopeDevice, "utcdate")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, s)
}

func (d *AlpacaDevice) SetUTC(ctx context.Context, t time.Time) error {
	if d.cfg.HasGPS {
		return nil // spec 6: "sync mount clock unless it has GPS"
	}
	return d.put(ctx, "telescope", d.cfg.TelescopeDevice, "utcdate", url.Values{"UTCDate": {t.UTC().Format(time.RFC3339)}})
}

func (d *AlpacaDevice) ChangeFilter(ctx context.Context, label string) error {
	pos := -1
	for i, name := range d.cfg.FilterNames {
		if strings.EqualFold(name, label) {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("device: unknown filter label %q", label)
	}
	return d.put(ctx, "filterwheel", d.cfg.FilterWheelDevice, "position", url.Values{"Position": {strconv.Itoa(pos)}})
}

func (d *AlpacaDevice) MoveFocuser(ctx context.Context, position int) error {
	return d.put(ctx, "focuser", d.cfg.FocuserDevice, "move", url.Values{"Position": {strconv.Itoa(position)}})
}

func (d *AlpacaDevice) HaltFocuser(ctx context.Context) error {
	return d.put(ctx, "focuser", d.cfg.FocuserDevice, "halt", url.Values{})
}

func (d *AlpacaDevice) GetFocuserPosition(ctx context.Context) (int, error) {
	return d.getInt(ctx, "focuser", d.cfg.FocuserDevice, "position")
}

func (d *AlpacaDevice) GetMaxFocuserStep(ctx context.Context) (int, error) {
	return d.getInt(ctx, "focuser", d.cfg.FocuserDevice, "maxstep")
}

func (d *AlpacaDevice) SetGain(ctx context.Context, gain int) error {
	return d.put(ctx, "camera", d.cfg.CameraDevice, "gain", url.Values{"Gain": {strconv.Itoa(gain)}})
}

func (d *AlpacaDevice) SetBinX(ctx context.Context, bin int) error {
	return d.put(ctx, "camera", d.cfg.CameraDevice, "binx", url.Values{"BinX": {strconv.Itoa(bin)}})
}

func (d *AlpacaDevice) SetBinY(ctx context.Context, bin int) error {
	return d.put(ctx, "camera", d.cfg.CameraDevice, "biny", url.Values{"BinY": {strconv.Itoa(bin)}})
}

func (d *AlpacaDevice) SetCcdTemperature(ctx context.Context, celsius float64) error {
	return d.put(ctx, "camera", d.cfg.CameraDevice, "setccdtemperature", url.Values{"SetCCDTemperature": {strconv.FormatFloat(celsius, 'f', -1, 64)}})
}

func (d *AlpacaDevice) SetCooler(ctx context.Context, on bool) error {
	return d.put(ctx, "camera", d.cfg.CameraDevice, "cooleron", url.Values{"CoolerOn": {strconv.FormatBool(on)}})
}

func (d *AlpacaDevice) GetCcdTemperature(ctx context.Context) (float64, error) {
	return d.getFloat(ctx, "camera", d.cfg.CameraDevice, "ccdtemperature")
}

func (d *AlpacaDevice) GetBayerPattern(ctx context.Context) (BayerInfo, error) {
	sensorName, _ := d.getString(ctx, "camera", d.cfg.CameraDevice, "sensorname")
	sensorType, err := d.getInt(ctx, "camera", d.cfg.CameraDevice, "sensortype")
	if err != nil {
		return BayerInfo{}, err
	}
	if sensorType == 0 { // Monochrome
		return BayerInfo{SensorTag: sensorName, Pattern: fitsio.BayerNone, ColorTypeTag: "mono"}, nil
	}
	offX, _ := d.getInt(ctx, "camera", d.cfg.CameraDevice, "bayeroffsetx")
	offY, _ := d.getInt(ctx, "camera", d.cfg.CameraDevice, "bayeroffsety")
	pattern := bayerFromOffsets(offX, offY)
	return BayerInfo{SensorTag: sensorName, Pattern: pattern, ColorTypeTag: "color"}, nil
}

func bayerFromOffsets(x, y int) fitsio.BayerPattern {
	switch {
	case x == 0 && y == 0:
		return fitsio.BayerRGGB
	case x == 1 && y == 1:
		return fitsio.BayerBGGR
	case x == 1 && y == 0:
		return fitsio.BayerGRBG
	case x == 0 && y == 1:
		return fitsio.BayerGBRG
	default:
		return fitsio.BayerRGGB
	}
}

func (d *AlpacaDevice) CaptureFrame(ctx context.Context, exposureSec float64, isLight bool) (CameraFrame, error) {
	v := url.Values{
		"Duration": {strconv.FormatFloat(exposureSec, 'f', -1, 64)},
		"Light":    {strconv.FormatBool(isLight)},
	}
	if err := d.put(ctx, "camera", d.cfg.CameraDevice, "startexposure", v); err != nil {
		return CameraFrame{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return CameraFrame{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		ready, err := d.getBool(ctx, "camera", d.cfg.CameraDevice, "imageready")
		if err != nil {
			return CameraFrame{}, err
		}
		if ready {
			break
		}
	}
	bayer, err := d.GetBayerPattern(ctx)
	if err != nil {
		bayer = BayerInfo{Pattern: fitsio.BayerNone}
	}
	img := fitsio.NewImage()
	img.Exposure = float32(exposureSec)
	img.Bayer = bayer.Pattern
	return CameraFrame{
		Image:      img,
		Bayer:      bayer.Pattern,
		IsLight:    isLight,
		Exposure:   time.Duration(exposureSec * float64(time.Second)),
		CapturedAt: time.Now(),
	}, nil
}

// --- low-level Alpaca REST plumbing ---

type alpacaResponse struct {
	Value               json.RawMessage `json:"Value"`
	ErrorNumber         int             `json:"ErrorNumber"`
	ErrorMessage        string          `json:"ErrorMessage"`
	ClientTransactionID uint32          `json:"ClientTransactionID"`
}

func (d *AlpacaDevice) endpoint(deviceType string, deviceNo int, attribute string) string {
	return fmt.Sprintf("%s/api/v1/%s/%d/%s", strings.TrimRight(d.cfg.BaseURL, "/"), deviceType, deviceNo, attribute)
}

func (d *AlpacaDevice) nextTxn() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txnSeq++
	return d.txnSeq
}

func (d *AlpacaDevice) put(ctx context.Context, deviceType string, deviceNo int, attribute string, form url.Values) error {
	form.Set("ClientID", strconv.Itoa(d.cfg.ClientID))
	form.Set("ClientTransactionID", strconv.Itoa(int(d.nextTxn())))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.endpoint(deviceType, deviceNo, attribute), bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = d.doAndDecode(req)
	return err
}

func (d *AlpacaDevice) get(ctx context.Context, deviceType string, deviceNo int, attribute string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s?ClientID=%d&ClientTransactionID=%d", d.endpoint(deviceType, deviceNo, attribute), d.cfg.ClientID, d.nextTxn())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return d.doAndDecode(req)
}

func (d *AlpacaDevice) doAndDecode(req *http.Request) (json.RawMessage, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	defer resp.Body.Close()
	var ar alpacaResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, err
	}
	if ar.ErrorNumber != 0 {
		return nil, fmt.Errorf("device: alpaca error %d: %s", ar.ErrorNumber, ar.ErrorMessage)
	}
	return ar.Value, nil
}

func (d *AlpacaDevice) getBool(ctx context.Context, deviceType string, deviceNo int, attribute string) (bool, error) {
	raw, err := d.get(ctx, deviceType, deviceNo, attribute)
	if err != nil {
		return false, err
	}
	var v bool
	return v, json.Unmarshal(raw, &v)
}

func (d *AlpacaDevice) getInt(ctx context.Context, deviceType string, deviceNo int, attribute string) (int, error) {
	raw, err := d.get(ctx, deviceType, deviceNo, attribute)
	if err != nil {
		return 0, err
	}
	var v int
	return v, json.Unmarshal(raw, &v)
}

func (d *AlpacaDevice) getFloat(ctx context.Context, deviceType string, deviceNo int, attribute string) (float64, error) {
	raw, err := d.get(ctx, deviceType, deviceNo, attribute)
	if err != nil {
		return 0, err
	}
	var v float64
	return v, json.Unmarshal(raw, &v)
}

func (d *AlpacaDevice) getString(ctx context.Context, deviceType string, deviceNo int, attribute string) (string, error) {
	raw, err := d.get(ctx, deviceType, deviceNo, attribute)
	if err != nil {
		return "", err
	}
	var v string
	return v, json.Unmarshal(raw, &v)
}
