package spapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"cross-lister/internal/ratelimit"
)

// ProductInfo is the canonical product record assembled from one Catalog
// Items request.
type ProductInfo struct {
	ASIN         string
	Title        string
	Brand        string
	Description  string
	CategoryPath string
	ImageURLs    []string
}

type catalogItem struct {
	ASIN      string `json:"asin"`
	Summaries []struct {
		MarketplaceID        string `json:"marketplaceId"`
		ItemName             string `json:"itemName"`
		Brand                string `json:"brand"`
		BrowseClassification struct {
			DisplayName      string `json:"displayName"`
			ClassificationID string `json:"classificationId"`
		} `json:"browseClassification"`
	} `json:"summaries"`
	Attributes catalogAttributes `json:"attributes"`
	Images []struct {
		MarketplaceID string `json:"marketplaceId"`
		Images        []catalogImage `json:"images"`
	} `json:"images"`
	SalesRanks []struct {
		MarketplaceID       string `json:"marketplaceId"`
		ClassificationRanks []struct {
			Title string `json:"title"`
			Rank  int    `json:"rank"`
		} `json:"classificationRanks"`
	} `json:"salesRanks"`
}

type catalogImage struct {
	Variant string `json:"variant"`
	Link    string `json:"link"`
	Height  int    `json:"height"`
	Width   int    `json:"width"`
}

// GetProductInfo fetches one Catalog Items record and assembles the product.
// Returns nil (no error) when Amazon does not know the ASIN.
func (c *Client) GetProductInfo(ctx context.Context, asin string) (*ProductInfo, error) {
	if !c.limiter.Wait(ctx, ratelimit.AmazonCatalog) {
		return nil, ctx.Err()
	}

	query := url.Values{
		"marketplaceIds": {c.cfg.MarketplaceID},
		"includedData":   {"attributes,summaries,images,salesRanks"},
	}
	var item catalogItem
	err := c.doJSON(ctx, "GET", "/catalog/2022-04-01/items/"+asin, query, nil, &item)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("get catalog item %s: %w", asin, err)
	}

	info := &ProductInfo{ASIN: asin}
	for _, s := range item.Summaries {
		if s.MarketplaceID != c.cfg.MarketplaceID {
			continue
		}
		info.Title = s.ItemName
		info.Brand = s.Brand
		break
	}
	info.Description = formatBullets(item.Attributes)
	info.CategoryPath = c.categoryPath(item)

	for _, group := range item.Images {
		if group.MarketplaceID != c.cfg.MarketplaceID {
			continue
		}
		info.ImageURLs = dedupeImages(group.Images)
		break
	}

	c.log.Debug("catalog item fetched",
		zap.String("asin", asin),
		zap.String("title", info.Title),
		zap.Int("images", len(info.ImageURLs)))
	return info, nil
}

type catalogAttributes struct {
	BulletPoint []struct {
		Value string `json:"value"`
	} `json:"bullet_point"`
}

func formatBullets(attrs catalogAttributes) string {
	var lines []string
	for _, b := range attrs.BulletPoint {
		if v := strings.TrimSpace(b.Value); v != "" {
			lines = append(lines, "・"+v)
		}
	}
	return strings.Join(lines, "\n")
}

// categoryPath joins the salesRanks classification chain for the Japanese
// marketplace with slashes, falling back to the browse classification when
// salesRanks is empty.
func (c *Client) categoryPath(item catalogItem) string {
	for _, sr := range item.SalesRanks {
		if sr.MarketplaceID != c.cfg.MarketplaceID {
			continue
		}
		var parts []string
		for _, r := range sr.ClassificationRanks {
			if r.Title != "" {
				parts = append(parts, r.Title)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "/")
		}
	}
	for _, s := range item.Summaries {
		if s.MarketplaceID == c.cfg.MarketplaceID && s.BrowseClassification.DisplayName != "" {
			return s.BrowseClassification.DisplayName
		}
	}
	return ""
}

// imageIDRe captures the image id from an Amazon media URL:
// https://m.media-amazon.com/images/I/{id}.{size-variant}.jpg
var imageIDRe = regexp.MustCompile(`/images/I/([^./]+)\.`)

// dedupeImages orders and deduplicates a catalog image list. Per variant
// (MAIN, PT01, ...) only the largest height×width rendition survives; then
// duplicate size renditions of the same image id collapse to the largest.
func dedupeImages(images []catalogImage) []string {
	type best struct {
		img  catalogImage
		area int
	}
	// Largest rendition per variant, preserving first-seen variant order.
	perVariant := make(map[string]best)
	var variantOrder []string
	for _, img := range images {
		area := img.Height * img.Width
		cur, ok := perVariant[img.Variant]
		if !ok {
			variantOrder = append(variantOrder, img.Variant)
		}
		if !ok || area > cur.area {
			perVariant[img.Variant] = best{img, area}
		}
	}

	// MAIN leads the sequence.
	ordered := variantOrder[:0:0]
	for _, v := range variantOrder {
		if v == "MAIN" {
			ordered = append(ordered, v)
		}
	}
	for _, v := range variantOrder {
		if v != "MAIN" {
			ordered = append(ordered, v)
		}
	}

	// Collapse duplicate image ids across variants, keeping the largest.
	seen := make(map[string]int) // image id -> index in out
	var out []string
	var areas []int
	for _, v := range ordered {
		b := perVariant[v]
		id := imageID(b.img.Link)
		if id == "" {
			out = append(out, b.img.Link)
			areas = append(areas, b.area)
			continue
		}
		if idx, ok := seen[id]; ok {
			if b.area > areas[idx] {
				out[idx] = b.img.Link
				areas[idx] = b.area
			}
			continue
		}
		seen[id] = len(out)
		out = append(out, b.img.Link)
		areas = append(areas, b.area)
	}
	return out
}

func imageID(link string) string {
	m := imageIDRe.FindStringSubmatch(link)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
