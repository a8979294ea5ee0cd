package config

import "github.com/JakeFAU/legal-corpus-ingest/internal/ingest"

const (
	seedHost      = "https://thuvienphapluat.vn"
	seedRateLimit = 4.0
)

var sundayTwoAM = ingest.Schedule{Kind: ingest.ScheduleWeekly, At: "02:00", Weekday: 0}

// DefaultCategories returns the built-in category seeds used when the
// configuration file defines none.
func DefaultCategories() map[string]CategorySeed {
	return map[string]CategorySeed{
		"dat_dai": {
			DisplayName:      "Đất đai",
			ListingURL:       seedHost + "/van-ban/Bat-dong-san/",
			LinkPattern:      `/van-ban/Bat-dong-san/.*Dat-dai.*-\d+\.aspx$`,
			Schedule:         sundayTwoAM,
			RateLimitSeconds: seedRateLimit,
			Entries: []EntrySeed{
				{
					URL:            seedHost + "/van-ban/Bat-dong-san/Luat-Dat-dai-2024-31-2024-QH15-523642.aspx",
					DocumentNumber: "31/2024/QH15",
					Title:          "Luật Đất đai 2024",
					Role:           string(ingest.RolePrimary),
					Priority:       1,
				},
				{
					URL:            seedHost + "/van-ban/Bat-dong-san/Nghi-dinh-102-2024-ND-CP-huong-dan-Luat-Dat-dai-603982.aspx",
					DocumentNumber: "102/2024/NĐ-CP",
					Title:          "Nghị định 102/2024/NĐ-CP hướng dẫn Luật Đất đai",
					Role:           string(ingest.RoleRelated),
					Priority:       10,
				},
				{
					URL:            seedHost + "/van-ban/Bat-dong-san/Nghi-dinh-101-2024-ND-CP-dang-ky-cap-giay-chung-nhan-quyen-su-dung-dat-tai-san-gan-lien-dat-613131.aspx",
					DocumentNumber: "101/2024/NĐ-CP",
					Title:          "Nghị định 101/2024/NĐ-CP về đăng ký, cấp giấy chứng nhận quyền sử dụng đất",
					Role:           string(ingest.RoleRelated),
					Priority:       10,
				},
			},
		},
		"nha_o": {
			DisplayName:      "Nhà ở",
			ListingURL:       seedHost + "/van-ban/Bat-dong-san/",
			LinkPattern:      `/van-ban/Bat-dong-san/.*Nha-o.*-\d+\.aspx$`,
			Schedule:         sundayTwoAM,
			RateLimitSeconds: seedRateLimit,
		},
		"lao_dong": {
			DisplayName:      "Lao động",
			ListingURL:       seedHost + "/van-ban/Lao-dong-Tien-luong/",
			LinkPattern:      `/van-ban/Lao-dong-Tien-luong/.+-\d+\.aspx$`,
			Schedule:         sundayTwoAM,
			RateLimitSeconds: seedRateLimit,
		},
		"dan_su": {
			DisplayName:      "Dân sự",
			ListingURL:       seedHost + "/van-ban/Quyen-dan-su/",
			LinkPattern:      `/van-ban/Quyen-dan-su/.+-\d+\.aspx$`,
			Schedule:         sundayTwoAM,
			RateLimitSeconds: seedRateLimit,
		},
		"doanh_nghiep": {
			DisplayName:      "Doanh nghiệp",
			ListingURL:       seedHost + "/van-ban/Doanh-nghiep/",
			LinkPattern:      `/van-ban/Doanh-nghiep/.+-\d+\.aspx$`,
			Schedule:         sundayTwoAM,
			RateLimitSeconds: seedRateLimit,
		},
		"thuong_mai": {
			DisplayName:      "Thương mại",
			ListingURL:       seedHost + "/van-ban/Thuong-mai/",
			LinkPattern:      `/van-ban/Thuong-mai/.+-\d+\.aspx$`,
			Schedule:         sundayTwoAM,
			RateLimitSeconds: seedRateLimit,
		},
	}
}
