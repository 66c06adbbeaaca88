package api

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/atmx/perp-indexer/internal/fixed"
	"github.com/atmx/perp-indexer/internal/model"
)

// The closed error vocabulary of the read API. Handlers never leak
// internal error text.
const (
	errBadRequest         = "bad_request"
	errAssetRequired      = "asset_required"
	errPriceOrBucket      = "price_or_bucket_required"
	errAssetIDInvalid     = "asset_id_invalid"
	errInvalidAddress     = "invalid_address"
	errBadTick            = "bad_tick"
	errNotFound           = "not_found"
	errAssetNotFound      = "asset_not_found"
	errPositionNotFound   = "position_not_found"
	errInternal           = "internal_error"
	errStorageUnreachable = "postgrest_unreachable"
)

var addrPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// parseAddr validates and normalizes a trader address.
func parseAddr(s string) (string, error) {
	if !addrPattern.MatchString(s) {
		return "", fmt.Errorf("%s", errInvalidAddress)
	}
	return strings.ToLower(s), nil
}

// parseID parses a decimal position id.
func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s", errBadRequest)
	}
	return uint32(v), nil
}

// parseAssetID parses the asset query/path parameter.
func parseAssetID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s", errAssetIDInvalid)
	}
	return uint32(v), nil
}

// parseCSVIDs parses the /verify id list ("1,2,42").
func parseCSVIDs(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	ids := make([]uint32, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := parseID(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s", errBadRequest)
	}
	return ids, nil
}

// parseSide maps the side query parameter; nil means both.
func parseSide(s string) (*bool, error) {
	switch strings.ToLower(s) {
	case "":
		return nil, nil
	case "long", "true", "1":
		v := true
		return &v, nil
	case "short", "false", "0":
		v := false
		return &v, nil
	}
	return nil, fmt.Errorf("%s", errBadRequest)
}

// parseBucketArg resolves a single bucket from either ?bucket= or
// ?price= (quantized with the asset's tick).
func parseBucketArg(bucketS, priceS string, asset *model.Asset) (int64, error) {
	switch {
	case bucketS != "":
		b, err := strconv.ParseInt(bucketS, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s", errBadRequest)
		}
		return b, nil
	case priceS != "":
		priceX6, err := fixed.ParseDecimalX6(priceS)
		if err != nil {
			return 0, fmt.Errorf("%s", errBadRequest)
		}
		b, err := fixed.Bucket(priceX6, asset.TickX6)
		if err != nil {
			return 0, fmt.Errorf("%s", errBadTick)
		}
		return b, nil
	}
	return 0, fmt.Errorf("%s", errPriceOrBucket)
}

// parseOrderDesc maps ?order=asc|desc (default ascending).
func parseOrderDesc(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "", "asc":
		return false, nil
	case "desc":
		return true, nil
	}
	return false, fmt.Errorf("%s", errBadRequest)
}
